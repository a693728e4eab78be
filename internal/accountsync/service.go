package accountsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
)

// Service runs the reconciliation loop. One iteration holds the service
// lock end to end, so diffs and writes never interleave.
type Service struct {
	client     exchange.Client
	repo       *database.Repository
	exchangeID int64
	symbols    []string
	interval   time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	closures *closureRegistry
	prev     *AccountSnapshot

	syncCount  atomic.Int64
	errorCount atomic.Int64
	lastSync   atomic.Int64 // unix ms, 0 = never
	running    atomic.Bool

	now func() time.Time
}

// NewService builds the account sync service.
func NewService(client exchange.Client, repo *database.Repository, exchangeID int64,
	symbols []string, interval time.Duration) *Service {
	return &Service{
		client:     client,
		repo:       repo,
		exchangeID: exchangeID,
		symbols:    symbols,
		interval:   interval,
		log:        logging.Component("account-sync"),
		closures:   newClosureRegistry(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterExpectedClose hands the service an exit the executor just placed,
// so the next iteration adopts its price and reason instead of
// reconstructing them.
func (s *Service) RegisterExpectedClose(c ExpectedClosure) {
	s.closures.put(c)
	s.log.Debug().Str("symbol", c.Symbol).Str("side", string(c.Side)).
		Str("reason", c.Reason).Msg("expected closure registered")
}

// Stats returns the observable service state.
func (s *Service) Stats() Stats {
	st := Stats{
		SyncCount:  s.syncCount.Load(),
		ErrorCount: s.errorCount.Load(),
		IsRunning:  s.running.Load(),
	}
	if ms := s.lastSync.Load(); ms > 0 {
		t := time.UnixMilli(ms).UTC()
		st.LastSyncTime = &t
	}
	return st
}

// Run reconciles until the context is canceled. Errors are counted and
// logged, never fatal.
func (s *Service) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)
	s.log.Info().Dur("interval", s.interval).Msg("account sync started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.SyncNow(ctx); err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("account sync stopped")
				return
			}
			s.errorCount.Add(1)
			s.log.Error().Err(err).Msg("sync iteration failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("account sync stopped")
			return
		case <-ticker.C:
		}
	}
}

// SyncNow runs one reconciliation iteration immediately.
func (s *Service) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.takeSnapshot(ctx)
	if err != nil {
		return err
	}

	prev := s.prev
	if prev != nil {
		changes := diffSnapshots(prev, snap)
		for _, ch := range changes {
			switch ch.ChangeType {
			case changeClosed, changeReduced:
				if err := s.processClosure(ctx, ch, prev.Timestamp); err != nil {
					s.log.Error().Err(err).Str("symbol", ch.Key.Symbol).
						Str("change", ch.ChangeType).Msg("closure processing failed")
				}
			case changeIncreased:
				s.log.Info().Str("symbol", ch.Key.Symbol).Str("side", string(ch.Key.Side)).
					Str("old", ch.OldAmount.String()).Str("new", ch.NewAmount.String()).
					Msg("position increased")
			}
		}
	}

	if err := s.upsertLivePositions(ctx, snap); err != nil {
		s.log.Error().Err(err).Msg("live position upsert failed")
	}
	if err := s.sweepOrphans(ctx, snap, prev); err != nil {
		s.log.Error().Err(err).Msg("orphan sweep failed")
	}
	if err := s.writeSnapshotRows(ctx, snap); err != nil {
		s.log.Error().Err(err).Msg("portfolio snapshot write failed")
	}

	s.prev = snap
	s.syncCount.Add(1)
	s.lastSync.Store(snap.Timestamp.UnixMilli())
	return nil
}

// takeSnapshot reads exchange truth: balance and positions in parallel,
// then open orders per position symbol for the protection map.
func (s *Service) takeSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	var (
		bal       *exchange.Balance
		positions []exchange.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.client.FetchBalance(gctx)
		if err != nil {
			return fmt.Errorf("accountsync: fetch balance: %w", err)
		}
		bal = b
		return nil
	})
	g.Go(func() error {
		p, err := s.client.FetchPositions(gctx, nil)
		if err != nil {
			return fmt.Errorf("accountsync: fetch positions: %w", err)
		}
		positions = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &AccountSnapshot{
		WalletBalance:    bal.WalletBalance,
		AvailableBalance: bal.AvailableBalance,
		MarginBalance:    bal.MarginBalance,
		Positions:        make(map[positionKey]snapPosition, len(positions)),
		Timestamp:        s.now(),
	}
	upnl := decimal.Zero
	for _, p := range positions {
		if p.Contracts.Sign() == 0 {
			continue
		}
		upnl = upnl.Add(p.UnrealizedPnL)
		snap.Positions[positionKey{Symbol: p.Symbol, Side: p.Side}] = snapPosition{
			Symbol:           p.Symbol,
			Side:             p.Side,
			Amount:           p.Contracts.Abs(),
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			Leverage:         p.Leverage,
			LiquidationPrice: p.LiquidationPrice,
			UpdateTime:       p.UpdateTime,
		}
	}
	snap.UnrealizedPnL = upnl

	// Protection map: reduce-only open orders, fetched per symbol in
	// parallel. Per-symbol failures only lose protection display.
	symbols := make(map[string]bool)
	for key := range snap.Positions {
		symbols[key.Symbol] = true
	}
	var pmu sync.Mutex
	og, ogctx := errgroup.WithContext(ctx)
	for symbol := range symbols {
		og.Go(func() error {
			orders, err := s.client.FetchOpenOrders(ogctx, symbol)
			if err != nil {
				s.log.Warn().Err(err).Str("symbol", symbol).Msg("open orders fetch failed")
				return nil
			}
			pmu.Lock()
			defer pmu.Unlock()
			for i := range orders {
				o := &orders[i]
				if (!o.ReduceOnly && !o.ClosePosition) || o.StopPrice.Sign() <= 0 {
					continue
				}
				key := positionKey{Symbol: symbol, Side: o.Side.Opposite()}
				pos, ok := snap.Positions[key]
				if !ok {
					continue
				}
				price := o.StopPrice
				switch o.Type {
				case exchange.OrderTypeStopMarket, exchange.OrderTypeStopLimit:
					pos.StopLoss = &price
				case exchange.OrderTypeTakeProfitMarket, exchange.OrderTypeTakeProfitLimit:
					pos.TakeProfit = &price
				}
				snap.Positions[key] = pos
			}
			return nil
		})
	}
	_ = og.Wait()
	return snap, nil
}

// diffSnapshots produces position changes keyed (symbol, side). Amount
// deltas at or below the tolerance are ignored.
func diffSnapshots(prev, cur *AccountSnapshot) []positionChange {
	var out []positionChange
	for key, old := range prev.Positions {
		now, exists := cur.Positions[key]
		if !exists {
			out = append(out, positionChange{
				Key:        key,
				ChangeType: changeClosed,
				OldAmount:  old.Amount,
				LastPrice:  old.MarkPrice,
			})
			continue
		}
		delta := now.Amount.Sub(old.Amount)
		if delta.Abs().Cmp(amountTolerance) <= 0 {
			continue
		}
		ct := changeIncreased
		if delta.Sign() < 0 {
			ct = changeReduced
		}
		out = append(out, positionChange{
			Key:        key,
			ChangeType: ct,
			OldAmount:  old.Amount,
			NewAmount:  now.Amount,
			LastPrice:  now.MarkPrice,
		})
	}
	return out
}

// upsertLivePositions writes exchange truth into the positions table. New
// rows get an entry-fee estimate from trade history.
func (s *Service) upsertLivePositions(ctx context.Context, snap *AccountSnapshot) error {
	for key, sp := range snap.Positions {
		existing, err := s.repo.GetOpenPosition(ctx, s.exchangeID, key.Symbol, string(key.Side))
		if err != nil && err != database.ErrNotFound {
			return err
		}

		openedAt := snap.Timestamp
		if sp.UpdateTime > 0 {
			openedAt = time.UnixMilli(sp.UpdateTime).UTC()
		}
		row := &database.Position{
			ExchangeID:   s.exchangeID,
			Symbol:       key.Symbol,
			Side:         string(key.Side),
			Amount:       sp.Amount,
			EntryPrice:   sp.EntryPrice,
			CurrentPrice: sp.MarkPrice,
			Value:        sp.Amount.Mul(sp.MarkPrice),
			StopLoss:     sp.StopLoss,
			TakeProfit:   sp.TakeProfit,
			OpenedAt:     openedAt,
			IsOpen:       true,
		}
		if sp.Leverage > 0 {
			lev := sp.Leverage
			row.Leverage = &lev
		}
		if sp.LiquidationPrice.Sign() > 0 {
			lp := sp.LiquidationPrice
			row.LiquidationPrice = &lp
		}

		diff := sp.MarkPrice.Sub(sp.EntryPrice)
		if key.Side == exchange.SideSell {
			diff = diff.Neg()
		}
		row.UnrealizedPnL = diff.Mul(sp.Amount)
		entryValue := sp.EntryPrice.Mul(sp.Amount)
		if entryValue.Sign() > 0 {
			row.UnrealizedPnLPct = row.UnrealizedPnL.Div(entryValue).Mul(decimal.NewFromInt(100))
		}

		if existing != nil {
			// Keep entry-side facts from the original row.
			row.EntryPrice = existing.EntryPrice
			row.EntryFee = existing.EntryFee
			row.EntryOrderID = existing.EntryOrderID
			row.OpenedAt = existing.OpenedAt
		} else {
			fee, orderID := s.estimateEntryFee(ctx, key.Symbol, key.Side, sp.Amount, openedAt)
			row.EntryFee = fee
			if orderID != "" {
				row.EntryOrderID = &orderID
			}
			s.log.Info().Str("symbol", key.Symbol).Str("side", string(key.Side)).
				Str("amount", sp.Amount.String()).Msg("new live position discovered")
		}
		if err := s.repo.UpsertPosition(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// sweepOrphans closes DB-live rows that exchange truth no longer shows,
// reconstructing the exit the same way as a diffed closure.
func (s *Service) sweepOrphans(ctx context.Context, snap *AccountSnapshot, prev *AccountSnapshot) error {
	rows, err := s.repo.GetOpenPositions(ctx, s.exchangeID)
	if err != nil {
		return err
	}
	prevTime := snap.Timestamp.Add(-s.interval)
	if prev != nil {
		prevTime = prev.Timestamp
	}
	for i := range rows {
		row := &rows[i]
		key := positionKey{Symbol: row.Symbol, Side: exchange.Side(row.Side)}
		if _, live := snap.Positions[key]; live {
			continue
		}
		s.log.Warn().Str("symbol", row.Symbol).Str("side", row.Side).
			Msg("orphan position, reconstructing closure")
		ch := positionChange{
			Key:        key,
			ChangeType: changeClosed,
			OldAmount:  row.Amount,
			LastPrice:  row.CurrentPrice,
		}
		if err := s.processClosure(ctx, ch, prevTime); err != nil {
			s.log.Error().Err(err).Str("symbol", row.Symbol).Msg("orphan closure failed")
		}
	}
	return nil
}

// writeSnapshotRows overwrites the latest portfolio row and archives a copy
// on first run, hourly, or when the position count changes.
func (s *Service) writeSnapshotRows(ctx context.Context, snap *AccountSnapshot) error {
	positions := make([]snapPosition, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, p)
	}
	blob, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("accountsync: marshal snapshot positions: %w", err)
	}

	row := &database.PortfolioSnapshot{
		ExchangeID:       s.exchangeID,
		WalletBalance:    snap.WalletBalance,
		AvailableBalance: snap.AvailableBalance,
		MarginBalance:    snap.MarginBalance,
		UnrealizedPnL:    snap.UnrealizedPnL,
		Positions:        blob,
		Timestamp:        snap.Timestamp,
		PositionCount:    len(snap.Positions),
	}

	prevLatest, err := s.repo.GetLatestSnapshot(ctx, s.exchangeID)
	if err != nil && err != database.ErrNotFound {
		return err
	}
	if err := s.repo.SaveLatestSnapshot(ctx, row); err != nil {
		return err
	}

	reason := ""
	hasInitial, err := s.repo.HasInitialArchive(ctx, s.exchangeID)
	if err != nil {
		return err
	}
	switch {
	case !hasInitial:
		reason = "initial"
	case prevLatest != nil && prevLatest.PositionCount != row.PositionCount:
		reason = "position_change"
	default:
		last, err := s.repo.LastArchiveTime(ctx, s.exchangeID)
		if err != nil {
			return err
		}
		if snap.Timestamp.Sub(last) >= time.Hour {
			reason = "hourly"
		}
	}
	if reason != "" {
		if err := s.repo.ArchiveSnapshot(ctx, row, reason); err != nil {
			return err
		}
		s.log.Debug().Str("reason", reason).Int("positions", row.PositionCount).
			Msg("portfolio snapshot archived")
	}
	return nil
}
