package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/accountsync"
	"futures-trading-engine/internal/decision"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/portfolio"
	"futures-trading-engine/internal/risk"
)

const testSymbol = "BTC/USDT:USDT"

type fakeRegistrar struct {
	closures []accountsync.ExpectedClosure
}

func (r *fakeRegistrar) RegisterExpectedClose(c accountsync.ExpectedClosure) {
	r.closures = append(r.closures, c)
}

func testLimits() risk.Limits {
	return risk.NewLimits(config.RiskConfig{
		MaxPositionSize:       decimal.NewFromFloat(0.5),
		MaxDailyLoss:          decimal.NewFromFloat(0.05),
		MaxDrawdown:           decimal.NewFromFloat(0.2),
		StopLossPercentage:    decimal.NewFromFloat(0.02),
		TakeProfitPercentage:  decimal.NewFromFloat(0.05),
		MaxLeverageMainstream: 50,
		MaxLeverageAltcoin:    20,
		HighLeverageWarning:   25,
	})
}

func testSetup(live bool) (*Executor, *exchange.Mock, *fakeRegistrar) {
	mock := exchange.NewMock()
	mock.Prices[testSymbol] = decimal.NewFromInt(50000)
	pm := portfolio.NewManager(mock, nil, 1, true, decimal.NewFromInt(100000), 10*time.Second)
	reg := &fakeRegistrar{}
	e := New(mock, nil, nil, pm, reg, testLimits(), 1, live)
	return e, mock, reg
}

func emptyPortfolio(total int64) *portfolio.Portfolio {
	tv := decimal.NewFromInt(total)
	return &portfolio.Portfolio{
		WalletBalance:    tv,
		AvailableBalance: tv,
		TotalValue:       tv,
		Positions:        make(map[portfolio.PositionKey]*portfolio.Position),
	}
}

func testRegime() *decision.MarketRegime {
	r := decision.DefaultRegime(time.Now().UTC())
	r.PositionSizingMultiplier = decimal.NewFromInt(1)
	return r
}

func testSnapshot(price int64) *market.Snapshot {
	return &market.Snapshot{Symbol: testSymbol, Timeframe: "1h", Price: decimal.NewFromInt(price)}
}

func entrySignal(amount, price float64, leverage int) *decision.TradingSignal {
	a := decimal.NewFromFloat(amount)
	p := decimal.NewFromFloat(price)
	return &decision.TradingSignal{
		Timestamp:       time.Now().UTC(),
		Symbol:          testSymbol,
		SignalType:      decision.SignalEnterLong,
		Confidence:      decimal.NewFromFloat(0.8),
		SuggestedAmount: &a,
		SuggestedPrice:  &p,
		Leverage:        &leverage,
	}
}

func TestHoldIsNoop(t *testing.T) {
	e, mock, _ := testSetup(true)
	action, err := e.ProcessSignal(context.Background(),
		&decision.TradingSignal{Symbol: testSymbol, SignalType: decision.SignalHold},
		testRegime(), testSnapshot(50000), emptyPortfolio(100000))
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if action != "hold" {
		t.Errorf("action = %q, want hold", action)
	}
	if len(mock.Created) != 0 {
		t.Errorf("%d orders created on hold", len(mock.Created))
	}
}

func TestEntryPlacesOrderGroup(t *testing.T) {
	e, mock, _ := testSetup(true)
	sig := entrySignal(0.1, 50000, 5)

	action, err := e.ProcessSignal(context.Background(), sig, testRegime(),
		testSnapshot(50000), emptyPortfolio(100000))
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if !strings.HasPrefix(action, decision.SignalEnterLong) {
		t.Errorf("action = %q", action)
	}
	if got := mock.Leverages[testSymbol]; got != 5 {
		t.Errorf("leverage = %d, want 5", got)
	}
	if len(mock.Created) != 3 {
		t.Fatalf("%d orders created, want market + stop + take-profit", len(mock.Created))
	}

	main := mock.Created[0]
	if main.Type != exchange.OrderTypeMarket || main.Side != exchange.SideBuy {
		t.Errorf("main order = %s %s", main.Type, main.Side)
	}
	if !main.Amount.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("main amount = %s, want 0.1", main.Amount)
	}

	stop := mock.Created[1]
	if stop.Type != exchange.OrderTypeStopMarket || stop.Side != exchange.SideSell || !stop.ClosePosition {
		t.Errorf("stop order = %s %s closePosition=%v", stop.Type, stop.Side, stop.ClosePosition)
	}
	// 2% below entry from the risk config.
	if !stop.StopPrice.Equal(decimal.NewFromInt(49000)) {
		t.Errorf("stop price = %s, want 49000", stop.StopPrice)
	}

	take := mock.Created[2]
	if take.Type != exchange.OrderTypeTakeProfitMarket || take.Side != exchange.SideSell || !take.ClosePosition {
		t.Errorf("take-profit order = %s %s closePosition=%v", take.Type, take.Side, take.ClosePosition)
	}
	if !take.StopPrice.Equal(decimal.NewFromInt(52500)) {
		t.Errorf("take-profit price = %s, want 52500", take.StopPrice)
	}
}

func TestEntryKeepsSignalProtectivePrices(t *testing.T) {
	e, mock, _ := testSetup(true)
	sig := entrySignal(0.1, 50000, 3)
	sl := decimal.NewFromInt(48500)
	tp := decimal.NewFromInt(56000)
	sig.StopLoss = &sl
	sig.TakeProfit = &tp

	if _, err := e.ProcessSignal(context.Background(), sig, testRegime(),
		testSnapshot(50000), emptyPortfolio(100000)); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if len(mock.Created) != 3 {
		t.Fatalf("%d orders created", len(mock.Created))
	}
	if !mock.Created[1].StopPrice.Equal(sl) {
		t.Errorf("stop = %s, want signal's %s", mock.Created[1].StopPrice, sl)
	}
	if !mock.Created[2].StopPrice.Equal(tp) {
		t.Errorf("take-profit = %s, want signal's %s", mock.Created[2].StopPrice, tp)
	}
}

func TestEntryRejectedOnDirectionalConflict(t *testing.T) {
	e, mock, _ := testSetup(true)
	pf := emptyPortfolio(100000)
	pf.Positions[portfolio.PositionKey{Symbol: testSymbol, Side: exchange.SideSell}] = &portfolio.Position{
		Symbol: testSymbol,
		Side:   exchange.SideSell,
		Amount: decimal.NewFromFloat(0.5),
	}

	action, err := e.ProcessSignal(context.Background(), entrySignal(0.1, 50000, 5),
		testRegime(), testSnapshot(50000), pf)
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if !strings.HasPrefix(action, "rejected:") || !strings.Contains(action, "持仓方向冲突") {
		t.Errorf("action = %q, want directional-conflict rejection", action)
	}
	if len(mock.Created) != 0 {
		t.Errorf("%d orders created on rejection", len(mock.Created))
	}
}

func TestEntryOversizeRejectionNamesMaxAmount(t *testing.T) {
	e, _, _ := testSetup(true)
	// 10 BTC at 50000 on 1x against 100k equity: 500% allocation, limit 50%.
	action, err := e.ProcessSignal(context.Background(), entrySignal(10, 50000, 1),
		testRegime(), testSnapshot(50000), emptyPortfolio(100000))
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if !strings.HasPrefix(action, "rejected:") || !strings.Contains(action, "max allowed amount") {
		t.Errorf("action = %q, want size rejection with max allowed amount", action)
	}
}

func TestSizingMultiplierScalesEntry(t *testing.T) {
	e, mock, _ := testSetup(true)
	regime := testRegime()
	regime.PositionSizingMultiplier = decimal.NewFromFloat(0.5)

	if _, err := e.ProcessSignal(context.Background(), entrySignal(0.2, 50000, 5),
		regime, testSnapshot(50000), emptyPortfolio(100000)); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if len(mock.Created) == 0 {
		t.Fatal("no orders created")
	}
	if !mock.Created[0].Amount.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("amount = %s, want 0.2 scaled to 0.1", mock.Created[0].Amount)
	}
}

func TestExitWithoutPositionSkipped(t *testing.T) {
	e, mock, _ := testSetup(true)
	sig := &decision.TradingSignal{Symbol: testSymbol, SignalType: decision.SignalExitLong}
	action, err := e.ProcessSignal(context.Background(), sig, testRegime(),
		testSnapshot(50000), emptyPortfolio(100000))
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if !strings.HasPrefix(action, "skipped:") {
		t.Errorf("action = %q, want skip", action)
	}
	if len(mock.Created) != 0 {
		t.Errorf("%d orders created", len(mock.Created))
	}
}

func TestFullExitCancelsProtectionAndRegistersClosure(t *testing.T) {
	e, mock, reg := testSetup(true)
	// Stale protective order to be canceled before the exit.
	mock.Open[testSymbol] = []exchange.Order{{
		ID: "prot-1", Symbol: testSymbol, Side: exchange.SideSell,
		Type: exchange.OrderTypeStopMarket, StopPrice: decimal.NewFromInt(48000),
		ReduceOnly: true, Status: exchange.StatusOpen,
	}}

	pf := emptyPortfolio(100000)
	pf.Positions[portfolio.PositionKey{Symbol: testSymbol, Side: exchange.SideBuy}] = &portfolio.Position{
		Symbol:     testSymbol,
		Side:       exchange.SideBuy,
		Amount:     decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(45000),
		Leverage:   2,
	}

	// No amount on the signal: the full position is closed.
	sig := &decision.TradingSignal{
		Symbol:     testSymbol,
		SignalType: decision.SignalExitLong,
		Confidence: decimal.NewFromFloat(0.9),
	}
	action, err := e.ProcessSignal(context.Background(), sig, testRegime(), testSnapshot(50000), pf)
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if !strings.HasPrefix(action, decision.SignalExitLong) {
		t.Errorf("action = %q", action)
	}

	if len(mock.Canceled) != 1 || mock.Canceled[0] != "prot-1" {
		t.Errorf("canceled = %v, want [prot-1]", mock.Canceled)
	}
	if len(mock.Created) != 1 {
		t.Fatalf("%d orders created, want one reduce-only market", len(mock.Created))
	}
	exit := mock.Created[0]
	if exit.Type != exchange.OrderTypeMarket || exit.Side != exchange.SideSell || !exit.ReduceOnly {
		t.Errorf("exit order = %s %s reduceOnly=%v", exit.Type, exit.Side, exit.ReduceOnly)
	}
	if !exit.Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("exit amount = %s, want full 1", exit.Amount)
	}

	if len(reg.closures) != 1 {
		t.Fatalf("%d closures registered, want 1", len(reg.closures))
	}
	c := reg.closures[0]
	if c.Symbol != testSymbol || c.Side != exchange.SideBuy || c.Reason != "manual" {
		t.Errorf("closure = %+v", c)
	}
	if !c.Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("closure amount = %s, want 1", c.Amount)
	}
}

func TestPartialExitReprotectsRemainder(t *testing.T) {
	e, mock, reg := testSetup(true)
	pf := emptyPortfolio(100000)
	pf.Positions[portfolio.PositionKey{Symbol: testSymbol, Side: exchange.SideBuy}] = &portfolio.Position{
		Symbol:     testSymbol,
		Side:       exchange.SideBuy,
		Amount:     decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(45000),
		Leverage:   2,
	}

	amount := decimal.NewFromFloat(0.4)
	sl := decimal.NewFromInt(47000) // below market: valid for a long
	tp := decimal.NewFromInt(60000) // above market: valid
	sig := &decision.TradingSignal{
		Symbol:          testSymbol,
		SignalType:      decision.SignalExitLong,
		Confidence:      decimal.NewFromFloat(0.7),
		SuggestedAmount: &amount,
		StopLoss:        &sl,
		TakeProfit:      &tp,
	}
	if _, err := e.ProcessSignal(context.Background(), sig, testRegime(), testSnapshot(50000), pf); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}

	if len(mock.Created) != 3 {
		t.Fatalf("%d orders created, want exit + stop + take-profit", len(mock.Created))
	}
	remainder := decimal.NewFromFloat(0.6)
	stop := mock.Created[1]
	if stop.Type != exchange.OrderTypeStopMarket || !stop.ReduceOnly || !stop.Amount.Equal(remainder) {
		t.Errorf("residual stop = %s reduceOnly=%v amount=%s", stop.Type, stop.ReduceOnly, stop.Amount)
	}
	take := mock.Created[2]
	if take.Type != exchange.OrderTypeTakeProfitMarket || !take.Amount.Equal(remainder) {
		t.Errorf("residual take-profit = %s amount=%s", take.Type, take.Amount)
	}
	if len(reg.closures) != 1 || !reg.closures[0].Amount.Equal(amount) {
		t.Errorf("closures = %+v, want one for 0.4", reg.closures)
	}
}

func TestPartialExitSkipsWrongSideStops(t *testing.T) {
	e, mock, _ := testSetup(true)
	pf := emptyPortfolio(100000)
	pf.Positions[portfolio.PositionKey{Symbol: testSymbol, Side: exchange.SideBuy}] = &portfolio.Position{
		Symbol:     testSymbol,
		Side:       exchange.SideBuy,
		Amount:     decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(45000),
		Leverage:   2,
	}

	amount := decimal.NewFromFloat(0.5)
	sl := decimal.NewFromInt(52000) // above market: wrong side for a long stop
	sig := &decision.TradingSignal{
		Symbol:          testSymbol,
		SignalType:      decision.SignalExitLong,
		SuggestedAmount: &amount,
		StopLoss:        &sl,
	}
	if _, err := e.ProcessSignal(context.Background(), sig, testRegime(), testSnapshot(50000), pf); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	// Only the exit itself: the invalid residual stop is skipped.
	if len(mock.Created) != 1 {
		t.Errorf("%d orders created, want 1", len(mock.Created))
	}
}

func TestExitAmountClampedToPosition(t *testing.T) {
	e, mock, _ := testSetup(true)
	pf := emptyPortfolio(100000)
	pf.Positions[portfolio.PositionKey{Symbol: testSymbol, Side: exchange.SideBuy}] = &portfolio.Position{
		Symbol:     testSymbol,
		Side:       exchange.SideBuy,
		Amount:     decimal.NewFromFloat(0.3),
		EntryPrice: decimal.NewFromInt(45000),
		Leverage:   1,
	}

	amount := decimal.NewFromInt(5) // way past the position size
	sig := &decision.TradingSignal{
		Symbol:          testSymbol,
		SignalType:      decision.SignalExitLong,
		SuggestedAmount: &amount,
	}
	if _, err := e.ProcessSignal(context.Background(), sig, testRegime(), testSnapshot(50000), pf); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if len(mock.Created) != 1 {
		t.Fatalf("%d orders created", len(mock.Created))
	}
	if !mock.Created[0].Amount.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("exit amount = %s, want clamped 0.3", mock.Created[0].Amount)
	}
}

func TestPaperModeSynthesizesOrders(t *testing.T) {
	e, mock, _ := testSetup(false)

	action, err := e.ProcessSignal(context.Background(), entrySignal(0.1, 50000, 2),
		testRegime(), testSnapshot(50000), emptyPortfolio(100000))
	if err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	if !strings.HasPrefix(action, decision.SignalEnterLong) {
		t.Errorf("action = %q", action)
	}
	// Paper mode never touches the exchange.
	if len(mock.Created) != 0 {
		t.Errorf("%d exchange orders created in paper mode", len(mock.Created))
	}

	// The paper portfolio picked up the fill.
	pf, err := e.pm.Current(context.Background(), false)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	pos := pf.Get(testSymbol, exchange.SideBuy)
	if pos == nil {
		t.Fatal("paper portfolio missing the entry")
	}
	if !pos.Amount.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("paper amount = %s, want 0.1", pos.Amount)
	}
}
