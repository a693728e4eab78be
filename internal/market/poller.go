package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
)

// Timeframes the poller maintains for every configured symbol.
var pollTimeframes = []string{"1h", "4h", "1d"}

// Poller keeps the kline tables current. It backfills on first run and then
// fetches incrementally from the newest stored bar.
type Poller struct {
	client     exchange.Client
	repo       *database.Repository
	exchangeID int64
	symbols    []string
	interval   time.Duration
	log        zerolog.Logger
}

// NewPoller builds the kline poller.
func NewPoller(client exchange.Client, repo *database.Repository, exchangeID int64, symbols []string, interval time.Duration) *Poller {
	return &Poller{
		client:     client,
		repo:       repo,
		exchangeID: exchangeID,
		symbols:    symbols,
		interval:   interval,
		log:        logging.Component("market-poller"),
	}
}

// Run polls until the context is canceled. Per-symbol failures are logged
// and never abort the loop.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info().Strs("symbols", p.symbols).Dur("interval", p.interval).Msg("kline poller started")
	// Immediate first pass so the decision layers have data at boot.
	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("kline poller stopped")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, symbol := range p.symbols {
		for _, tf := range pollTimeframes {
			if err := p.pollSeries(ctx, symbol, tf); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf).
					Msg("kline poll failed")
			}
		}
	}
}

func (p *Poller) pollSeries(ctx context.Context, symbol, timeframe string) error {
	latest, err := p.repo.LatestKlineTime(ctx, p.exchangeID, symbol, timeframe)
	if err != nil {
		return err
	}

	var since int64
	limit := 150 // backfill depth for the indicator window
	if !latest.IsZero() {
		// Refetch from the newest bar so the still-forming candle is
		// refreshed on every pass.
		since = latest.UnixMilli()
		limit = 100
	}

	candles, err := p.client.FetchOHLCV(ctx, symbol, timeframe, since, limit)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	klines := make([]database.Kline, len(candles))
	for i, c := range candles {
		klines[i] = database.Kline{
			ExchangeID: p.exchangeID,
			Symbol:     symbol,
			Timeframe:  timeframe,
			Timestamp:  time.UnixMilli(c.Timestamp).UTC(),
			Open:       c.Open,
			High:       c.High,
			Low:        c.Low,
			Close:      c.Close,
			Volume:     c.Volume,
		}
	}
	if err := p.repo.UpsertKlines(ctx, klines); err != nil {
		return err
	}
	p.log.Debug().Str("symbol", symbol).Str("timeframe", timeframe).
		Int("bars", len(klines)).Msg("klines updated")
	return nil
}
