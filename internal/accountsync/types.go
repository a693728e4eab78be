// Package accountsync reconciles exchange truth with the durable store. It
// is the only writer of positions, closed_positions, and the latest-row
// portfolio snapshot.
package accountsync

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/exchange"
)

// amountTolerance: snapshot amount differences at or below this are noise,
// not position changes.
var amountTolerance = decimal.NewFromFloat(1e-4)

// positionKey identifies a hedge-mode slot.
type positionKey struct {
	Symbol string
	Side   exchange.Side
}

// snapPosition is one exchange-truth position inside an AccountSnapshot.
type snapPosition struct {
	Symbol           string
	Side             exchange.Side
	Amount           decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	Leverage         int
	LiquidationPrice decimal.Decimal
	UpdateTime       int64
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
}

// AccountSnapshot is one consistent read of exchange truth.
type AccountSnapshot struct {
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
	MarginBalance    decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Positions        map[positionKey]snapPosition
	Timestamp        time.Time
}

// Change types produced by the snapshot diff.
const (
	changeClosed    = "closed"
	changeReduced   = "reduced"
	changeIncreased = "increased"
)

// positionChange is one diff entry between consecutive snapshots.
type positionChange struct {
	Key        positionKey
	ChangeType string
	OldAmount  decimal.Decimal
	NewAmount  decimal.Decimal
	LastPrice  decimal.Decimal
}

// ExpectedClosure is the executor's heads-up for an exit it just placed,
// letting the next sync skip exit-price reconstruction. One-shot: popped on
// first use.
type ExpectedClosure struct {
	Symbol    string
	Side      exchange.Side
	Amount    decimal.Decimal
	ExitPrice decimal.Decimal
	ExitTime  time.Time
	OrderID   string
	Reason    string // manual or system
}

// closureRegistry is the in-memory expected-closure map.
type closureRegistry struct {
	mu      sync.Mutex
	entries map[positionKey]ExpectedClosure
}

func newClosureRegistry() *closureRegistry {
	return &closureRegistry{entries: make(map[positionKey]ExpectedClosure)}
}

func (r *closureRegistry) put(c ExpectedClosure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[positionKey{Symbol: c.Symbol, Side: c.Side}] = c
}

func (r *closureRegistry) pop(key positionKey) (ExpectedClosure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return c, ok
}

func (r *closureRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats is the service's observable state.
type Stats struct {
	SyncCount    int64      `json:"sync_count"`
	ErrorCount   int64      `json:"error_count"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	IsRunning    bool       `json:"is_running"`
}
