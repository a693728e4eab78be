package decision

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testCoordinator(symbols []string) *Coordinator {
	return &Coordinator{
		symbols: symbols,
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func TestFilterSymbolsByRecommendation(t *testing.T) {
	c := testCoordinator([]string{"BTC/USDT:USDT", "ETH/USDT:USDT", "SOL/USDT:USDT"})
	regime := DefaultRegime(time.Now().UTC()) // recommends BTC and ETH

	got := c.filterSymbols(regime)
	if len(got) != 2 || got[0] != "BTC/USDT:USDT" || got[1] != "ETH/USDT:USDT" {
		t.Errorf("filtered = %v, want the majors only", got)
	}
}

func TestFilterSymbolsBlacklistWins(t *testing.T) {
	c := testCoordinator([]string{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	regime := DefaultRegime(time.Now().UTC())
	regime.BlacklistSymbols = []string{"ETH"}

	got := c.filterSymbols(regime)
	if len(got) != 1 || got[0] != "BTC/USDT:USDT" {
		t.Errorf("filtered = %v, want BTC only", got)
	}
}

func TestFilterSymbolsEmptyRecommendationAdmitsAll(t *testing.T) {
	c := testCoordinator([]string{"BTC/USDT:USDT", "SOL/USDT:USDT"})
	regime := DefaultRegime(time.Now().UTC())
	regime.RecommendedSymbols = nil

	got := c.filterSymbols(regime)
	if len(got) != 2 {
		t.Errorf("filtered = %v, want everything configured", got)
	}
}

func TestRegimeCell(t *testing.T) {
	c := testCoordinator(nil)
	if c.CurrentRegime() != nil {
		t.Fatal("regime cell not empty before bootstrap")
	}
	r := DefaultRegime(time.Now().UTC())
	c.setRegime(r)
	if got := c.CurrentRegime(); got != r {
		t.Errorf("regime cell = %p, want %p", got, r)
	}
	if c.lastStrategistRun.IsZero() {
		t.Error("setRegime did not stamp the strategist run time")
	}
}
