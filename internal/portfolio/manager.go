package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
)

// debounceWindow absorbs bursts: even a force-sync inside it returns the
// cached view without an exchange call.
const debounceWindow = 2 * time.Second

// Manager serves a consistent portfolio view. In paper mode it emulates
// fills locally; in live mode it refreshes from the exchange behind a lock,
// a sync-interval gate, and a short debounce window.
type Manager struct {
	client       exchange.Client
	repo         *database.Repository
	exchangeID   int64
	paperMode    bool
	syncInterval time.Duration
	log          zerolog.Logger

	mu          sync.Mutex
	current     *Portfolio
	lastRefresh time.Time

	now func() time.Time
}

// NewManager builds the portfolio manager. In paper mode the view is seeded
// with the initial capital and never touches the exchange.
func NewManager(client exchange.Client, repo *database.Repository, exchangeID int64,
	paperMode bool, initialCapital decimal.Decimal, syncInterval time.Duration) *Manager {
	m := &Manager{
		client:       client,
		repo:         repo,
		exchangeID:   exchangeID,
		paperMode:    paperMode,
		syncInterval: syncInterval,
		log:          logging.Component("portfolio"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	if paperMode {
		m.current = &Portfolio{
			WalletBalance:    initialCapital,
			AvailableBalance: initialCapital,
			TotalValue:       initialCapital,
			Positions:        make(map[PositionKey]*Position),
			UpdatedAt:        m.now(),
		}
	}
	return m
}

// Current returns the portfolio view. force bypasses the sync-interval gate
// but not the debounce window. Live mode returns the stale cache when the
// refresh fails and a cache exists.
func (m *Manager) Current(ctx context.Context, force bool) (*Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paperMode {
		m.current.recompute()
		return m.current.clone(), nil
	}

	// Double-check under the lock: another caller may have refreshed while
	// we waited.
	if m.current != nil && !m.refreshDue(force) {
		return m.current.clone(), nil
	}

	fresh, err := m.refresh(ctx)
	if err != nil {
		if m.current != nil {
			m.log.Warn().Err(err).Msg("portfolio refresh failed, serving stale cache")
			return m.current.clone(), nil
		}
		return nil, err
	}
	m.current = fresh
	m.lastRefresh = m.now()
	return fresh.clone(), nil
}

func (m *Manager) refreshDue(force bool) bool {
	elapsed := m.now().Sub(m.lastRefresh)
	if elapsed < debounceWindow {
		return false
	}
	if force {
		return true
	}
	return elapsed >= m.syncInterval
}

// refresh composes one consistent view from balance, positions and the
// protection map. Caller holds the lock.
func (m *Manager) refresh(ctx context.Context) (*Portfolio, error) {
	bal, err := m.client.FetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: fetch balance: %w", err)
	}
	positions, err := m.client.FetchPositions(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("portfolio: fetch positions: %w", err)
	}

	p := &Portfolio{
		WalletBalance:    bal.WalletBalance,
		AvailableBalance: bal.AvailableBalance,
		UsedMargin:       bal.UsedMargin,
		Positions:        make(map[PositionKey]*Position, len(positions)),
		UpdatedAt:        m.now(),
	}
	for i := range positions {
		ep := positions[i]
		pos := &Position{
			Symbol:           ep.Symbol,
			Side:             ep.Side,
			Amount:           ep.Contracts.Abs(),
			EntryPrice:       ep.EntryPrice,
			CurrentPrice:     ep.MarkPrice,
			Leverage:         ep.Leverage,
			LiquidationPrice: optional(ep.LiquidationPrice),
			OpenedAt:         time.UnixMilli(ep.UpdateTime).UTC(),
		}
		p.Positions[PositionKey{Symbol: pos.Symbol, Side: pos.Side}] = pos
	}

	protections := m.ProtectionMap(ctx, p)
	for key, prot := range protections {
		if pos, ok := p.Positions[key]; ok {
			pos.StopLoss = prot.StopLoss
			pos.TakeProfit = prot.TakeProfit
		}
	}

	if m.repo != nil {
		dayStart := m.now().Truncate(24 * time.Hour)
		if pnl, err := m.repo.DailyRealizedPnL(ctx, m.exchangeID, dayStart); err == nil {
			if d, derr := decimal.NewFromString(pnl); derr == nil {
				p.DailyPnL = d
			}
		}
	}

	p.recompute()
	return p, nil
}

// ProtectionMap derives (symbol, side) -> {stop, take-profit} from open
// reduce-only orders. A reduce-only SELL protects a LONG, so the protected
// side is the opposite of the order side. Per-symbol failures are skipped.
func (m *Manager) ProtectionMap(ctx context.Context, p *Portfolio) map[PositionKey]Protection {
	out := make(map[PositionKey]Protection)
	seen := make(map[string]bool)
	for key := range p.Positions {
		if seen[key.Symbol] {
			continue
		}
		seen[key.Symbol] = true

		orders, err := m.client.FetchOpenOrders(ctx, key.Symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", key.Symbol).Msg("open orders fetch failed")
			continue
		}
		for i := range orders {
			o := &orders[i]
			if !o.ReduceOnly && !o.ClosePosition {
				continue
			}
			if o.StopPrice.Sign() <= 0 {
				continue
			}
			protectedKey := PositionKey{Symbol: key.Symbol, Side: o.Side.Opposite()}
			prot := out[protectedKey]
			price := o.StopPrice
			switch o.Type {
			case exchange.OrderTypeStopMarket, exchange.OrderTypeStopLimit:
				prot.StopLoss = &price
			case exchange.OrderTypeTakeProfitMarket, exchange.OrderTypeTakeProfitLimit:
				prot.TakeProfit = &price
			}
			out[protectedKey] = prot
		}
	}
	return out
}

// ApplyFill updates the paper portfolio for one executed order. reduceOnly
// fills shrink the opposite-direction position; entries add to or open the
// position in the order's direction.
func (m *Manager) ApplyFill(symbol string, side exchange.Side, amount, price decimal.Decimal, reduceOnly bool, leverage int) {
	if !m.paperMode {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if leverage < 1 {
		leverage = 1
	}
	if reduceOnly {
		key := PositionKey{Symbol: symbol, Side: side.Opposite()}
		pos, ok := m.current.Positions[key]
		if !ok {
			m.log.Warn().Str("symbol", symbol).Msg("paper exit without position, ignored")
			return
		}
		closeAmt := decimal.Min(amount, pos.Amount)
		diff := price.Sub(pos.EntryPrice)
		if pos.Side == exchange.SideSell {
			diff = diff.Neg()
		}
		realized := diff.Mul(closeAmt)
		margin := pos.EntryPrice.Mul(closeAmt).Div(decimal.NewFromInt(int64(pos.Leverage)))
		m.current.WalletBalance = m.current.WalletBalance.Add(realized)
		m.current.AvailableBalance = m.current.AvailableBalance.Add(realized).Add(margin)
		pos.Amount = pos.Amount.Sub(closeAmt)
		pos.CurrentPrice = price
		if pos.Amount.Sign() <= 0 {
			delete(m.current.Positions, key)
		}
	} else {
		key := PositionKey{Symbol: symbol, Side: side}
		margin := price.Mul(amount).Div(decimal.NewFromInt(int64(leverage)))
		m.current.AvailableBalance = m.current.AvailableBalance.Sub(margin)
		if pos, ok := m.current.Positions[key]; ok {
			// Same-direction add: weighted-average the entry.
			oldValue := pos.EntryPrice.Mul(pos.Amount)
			newValue := price.Mul(amount)
			total := pos.Amount.Add(amount)
			pos.EntryPrice = oldValue.Add(newValue).Div(total)
			pos.Amount = total
			pos.CurrentPrice = price
		} else {
			m.current.Positions[key] = &Position{
				Symbol:       symbol,
				Side:         side,
				Amount:       amount,
				EntryPrice:   price,
				CurrentPrice: price,
				Leverage:     leverage,
				OpenedAt:     m.now(),
			}
		}
	}
	m.current.recompute()
	m.current.UpdatedAt = m.now()
}

// MarkPrice updates a paper position's mark so PnL tracks the market.
func (m *Manager) MarkPrice(symbol string, price decimal.Decimal) {
	if !m.paperMode {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.current.Positions {
		if pos.Symbol == symbol {
			pos.CurrentPrice = price
		}
	}
	m.current.recompute()
}

// PaperMode reports whether the manager emulates fills locally.
func (m *Manager) PaperMode() bool { return m.paperMode }

func optional(d decimal.Decimal) *decimal.Decimal {
	if d.Sign() <= 0 {
		return nil
	}
	return &d
}
