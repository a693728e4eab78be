package accountsync

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
)

var hundred = decimal.NewFromInt(100)

// exitInfo is the reconstructed (or adopted) exit side of a closure.
type exitInfo struct {
	Price   decimal.Decimal
	Fee     decimal.Decimal
	OrderID string
	Reason  string
	Time    time.Time
}

// processClosure turns one closed/reduced diff into a ledger row and the
// matching live-position change, in a single transaction.
func (s *Service) processClosure(ctx context.Context, ch positionChange, prevTime time.Time) error {
	row, err := s.repo.GetOpenPosition(ctx, s.exchangeID, ch.Key.Symbol, string(ch.Key.Side))
	if err == database.ErrNotFound {
		s.log.Warn().Str("symbol", ch.Key.Symbol).Str("side", string(ch.Key.Side)).
			Msg("closure for untracked position, skipped")
		return nil
	}
	if err != nil {
		return err
	}

	closedAmt := row.Amount
	if ch.ChangeType == changeReduced {
		closedAmt = ch.OldAmount.Sub(ch.NewAmount)
		if closedAmt.Cmp(row.Amount) > 0 {
			closedAmt = row.Amount
		}
	}
	if closedAmt.Sign() <= 0 {
		return nil
	}

	var exit exitInfo
	if expected, ok := s.closures.pop(ch.Key); ok {
		// Executor-announced exit: adopt its facts, exchange fee unknown.
		exit = exitInfo{
			Price:   expected.ExitPrice,
			OrderID: expected.OrderID,
			Reason:  expected.Reason,
			Time:    expected.ExitTime,
		}
	} else {
		exit = s.reconstructExit(ctx, ch.Key, prevTime, ch.LastPrice)
	}

	// Pro-rate the entry fee over the closed share.
	feeShare := decimal.Zero
	if row.Amount.Sign() > 0 {
		feeShare = row.EntryFee.Mul(closedAmt).Div(row.Amount)
	}

	entryValue := row.EntryPrice.Mul(closedAmt)
	exitValue := exit.Price.Mul(closedAmt)
	pnl := exit.Price.Sub(row.EntryPrice).Mul(closedAmt)
	if ch.Key.Side == exchange.SideSell {
		pnl = pnl.Neg()
	}
	pnlPct := decimal.Zero
	if entryValue.Sign() > 0 {
		pnlPct = pnl.Div(entryValue).Mul(hundred)
	}

	cp := &database.ClosedPosition{
		ExchangeID:             s.exchangeID,
		Symbol:                 ch.Key.Symbol,
		Side:                   string(ch.Key.Side),
		EntryOrderID:           row.EntryOrderID,
		EntryPrice:             row.EntryPrice,
		EntryTime:              row.OpenedAt,
		ExitPrice:              exit.Price,
		ExitTime:               exit.Time,
		Amount:                 closedAmt,
		EntryValue:             entryValue,
		ExitValue:              exitValue,
		RealizedPnL:            pnl,
		RealizedPnLPct:         pnlPct,
		TotalFee:               exit.Fee.Add(feeShare),
		FeeCurrency:            "USDT",
		CloseReason:            exit.Reason,
		HoldingDurationSeconds: int64(exit.Time.Sub(row.OpenedAt).Seconds()),
		Leverage:               row.Leverage,
	}
	if exit.OrderID != "" {
		id := exit.OrderID
		cp.ExitOrderID = &id
	}

	var remainingAmt, remainingFee *string
	if ch.ChangeType == changeReduced {
		ra := row.Amount.Sub(closedAmt).String()
		rf := row.EntryFee.Sub(feeShare).String()
		remainingAmt, remainingFee = &ra, &rf
	}
	if err := s.repo.CloseWithLedger(ctx, cp, row.ID, remainingAmt, remainingFee); err != nil {
		return err
	}
	s.log.Info().Str("symbol", cp.Symbol).Str("side", cp.Side).
		Str("amount", closedAmt.String()).Str("exit", exit.Price.String()).
		Str("pnl", pnl.String()).Str("reason", exit.Reason).Msg("position closure recorded")
	return nil
}

// reconstructExit rebuilds the exit from trade history: opposite-side fills
// after the previous snapshot. A second pass widens the window before the
// mark-price fallback, since the exchange occasionally delays fill
// visibility.
func (s *Service) reconstructExit(ctx context.Context, key positionKey, prevTime time.Time, markPrice decimal.Decimal) exitInfo {
	closingSide := key.Side.Opposite()

	matching := s.fetchClosingFills(ctx, key.Symbol, closingSide, prevTime, 50)
	if len(matching) == 0 {
		widened := prevTime.Add(-10 * time.Minute)
		matching = s.fetchClosingFills(ctx, key.Symbol, closingSide, widened, 100)
	}
	if len(matching) == 0 {
		s.log.Warn().Str("symbol", key.Symbol).Msg("no closing fills found, using mark price")
		return exitInfo{Price: markPrice, Reason: database.CloseReasonSystem, Time: s.now()}
	}

	var amountSum, costSum, feeSum decimal.Decimal
	for _, f := range matching {
		amountSum = amountSum.Add(f.Amount)
		costSum = costSum.Add(f.Price.Mul(f.Amount))
		feeSum = feeSum.Add(f.Fee)
	}
	avgExit := markPrice
	if amountSum.Sign() > 0 {
		avgExit = costSum.Div(amountSum)
	}
	return exitInfo{
		Price:   avgExit,
		Fee:     feeSum,
		OrderID: matching[0].OrderID,
		Reason:  s.resolveCloseReason(ctx, key.Symbol, matching),
		Time:    time.UnixMilli(matching[len(matching)-1].Timestamp).UTC(),
	}
}

func (s *Service) fetchClosingFills(ctx context.Context, symbol string, side exchange.Side, after time.Time, limit int) []exchange.Fill {
	fills, err := s.client.FetchMyTrades(ctx, symbol, after.UnixMilli(), limit)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("trade history fetch failed")
		return nil
	}
	var matching []exchange.Fill
	for _, f := range fills {
		if f.Side == side && f.Timestamp > after.UnixMilli() {
			matching = append(matching, f)
		}
	}
	return matching
}

// resolveCloseReason derives the close reason from the dominant order type
// among the closing fills.
func (s *Service) resolveCloseReason(ctx context.Context, symbol string, fills []exchange.Fill) string {
	counts := make(map[string]int)
	fetched := make(map[string]string)
	for _, f := range fills {
		if f.OrderID == "" {
			continue
		}
		reason, ok := fetched[f.OrderID]
		if !ok {
			reason = s.orderCloseReason(ctx, f.OrderID, symbol)
			fetched[f.OrderID] = reason
		}
		counts[reason]++
	}
	best, bestN := database.CloseReasonManual, 0
	for reason, n := range counts {
		if n > bestN {
			best, bestN = reason, n
		}
	}
	return best
}

func (s *Service) orderCloseReason(ctx context.Context, orderID, symbol string) string {
	o, err := s.client.FetchOrder(ctx, orderID, symbol)
	if err != nil {
		return database.CloseReasonManual
	}
	if bytes.Contains(bytes.ToUpper(o.Raw), []byte("LIQUIDATION")) {
		return database.CloseReasonLiquidation
	}
	t := string(o.Type)
	switch {
	case strings.Contains(t, "stop"):
		return database.CloseReasonStopLoss
	case strings.Contains(t, "take_profit"), strings.Contains(t, "limit"):
		return database.CloseReasonTakeProfit
	default:
		return database.CloseReasonManual
	}
}

// estimateEntryFee walks trade history backward from just before the
// position opened, summing same-side fees until the fills cover the
// position amount. Returns the fee and the earliest contributing order id.
func (s *Service) estimateEntryFee(ctx context.Context, symbol string, side exchange.Side, amount decimal.Decimal, openedAt time.Time) (decimal.Decimal, string) {
	since := openedAt.Add(-10 * time.Minute)
	fills, err := s.client.FetchMyTrades(ctx, symbol, since.UnixMilli(), 100)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("entry fee estimation failed")
		return decimal.Zero, ""
	}

	fee := decimal.Zero
	covered := decimal.Zero
	orderID := ""
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		if f.Side != side {
			continue
		}
		fee = fee.Add(f.Fee)
		covered = covered.Add(f.Amount)
		orderID = f.OrderID
		if covered.Cmp(amount) >= 0 {
			break
		}
	}
	return fee, orderID
}
