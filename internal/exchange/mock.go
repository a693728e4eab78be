package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Mock is an in-memory Client for tests. State is scripted directly on the
// struct; every mutating call is recorded.
type Mock struct {
	mu sync.Mutex

	Prices    map[string]decimal.Decimal
	Balances  Balance
	Positions []Position
	Open      map[string][]Order // symbol -> open orders
	Trades    map[string][]Fill  // symbol -> account trades
	Candles   map[string][]Candle

	Created    []Order
	Canceled   []string
	Leverages  map[string]int
	FailCreate error
	FailFetch  error

	nextID int64
	Now    func() time.Time
}

// NewMock returns an empty scripted client.
func NewMock() *Mock {
	return &Mock{
		Prices:    make(map[string]decimal.Decimal),
		Open:      make(map[string][]Order),
		Trades:    make(map[string][]Fill),
		Candles:   make(map[string][]Candle),
		Leverages: make(map[string]int),
		nextID:    1000,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Mock) FetchTicker(_ context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFetch != nil {
		return nil, m.FailFetch
	}
	p, ok := m.Prices[symbol]
	if !ok {
		return nil, &APIError{Op: "fetch_ticker", Symbol: symbol, Msg: "unknown symbol"}
	}
	return &Ticker{Symbol: symbol, Last: p, Timestamp: m.Now().UnixMilli()}, nil
}

func (m *Mock) FetchOHLCV(_ context.Context, symbol, _ string, _ int64, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFetch != nil {
		return nil, m.FailFetch
	}
	rows := m.Candles[symbol]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]Candle, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Mock) FetchBalance(context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFetch != nil {
		return nil, m.FailFetch
	}
	b := m.Balances
	return &b, nil
}

func (m *Mock) FetchPositions(_ context.Context, symbols []string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFetch != nil {
		return nil, m.FailFetch
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []Position
	for _, p := range m.Positions {
		if len(symbols) > 0 && !want[p.Symbol] {
			continue
		}
		if p.Contracts.Sign() > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Mock) FetchMyTrades(_ context.Context, symbol string, since int64, limit int) ([]Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFetch != nil {
		return nil, m.FailFetch
	}
	var out []Fill
	for _, f := range m.Trades[symbol] {
		if since > 0 && f.Timestamp < since {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Mock) SetLeverage(_ context.Context, leverage int, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverages[symbol] = leverage
	return nil
}

func (m *Mock) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return nil, m.FailCreate
	}
	m.nextID++
	price := req.Price
	if price.Sign() == 0 {
		price = m.Prices[req.Symbol]
	}
	o := Order{
		ID:            strconv.FormatInt(m.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Amount:        req.Amount,
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		Timestamp:     m.Now().UnixMilli(),
	}
	if req.Type == OrderTypeMarket {
		// Market orders fill instantly at the scripted price.
		o.Filled = req.Amount
		o.Remaining = decimal.Zero
		o.Average = price
		o.Cost = price.Mul(req.Amount)
		o.Status = StatusFilled
	} else {
		o.Remaining = req.Amount
		o.Status = StatusOpen
		m.Open[req.Symbol] = append(m.Open[req.Symbol], o)
	}
	m.Created = append(m.Created, o)
	return &o, nil
}

func (m *Mock) CancelOrder(_ context.Context, id, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.Open[symbol]
	for i, o := range open {
		if o.ID == id {
			m.Open[symbol] = append(open[:i], open[i+1:]...)
			m.Canceled = append(m.Canceled, id)
			return nil
		}
	}
	return &OrderError{Op: "cancel", Symbol: symbol, OrderID: id, Err: fmt.Errorf("unknown order")}
}

func (m *Mock) FetchOrder(_ context.Context, id, symbol string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Created) - 1; i >= 0; i-- {
		if m.Created[i].ID == id {
			o := m.Created[i]
			return &o, nil
		}
	}
	for _, o := range m.Open[symbol] {
		if o.ID == id {
			cp := o
			return &cp, nil
		}
	}
	return nil, &OrderError{Op: "fetch", Symbol: symbol, OrderID: id, Err: fmt.Errorf("unknown order")}
}

func (m *Mock) FetchOpenOrders(_ context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFetch != nil {
		return nil, m.FailFetch
	}
	if symbol != "" {
		out := make([]Order, len(m.Open[symbol]))
		copy(out, m.Open[symbol])
		return out, nil
	}
	var out []Order
	for _, orders := range m.Open {
		out = append(out, orders...)
	}
	return out, nil
}

var _ Client = (*Mock)(nil)
