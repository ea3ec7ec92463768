package broker

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/ismaiel54/advisor-bridge/internal/domain"
	"go.uber.org/zap"
)

// QuoteSink accepts market quotes
type QuoteSink interface {
	Quote(tick domain.Tick)
}

// FeedConfig configures the synthetic feed
type FeedConfig struct {
	// Start maps each instrument to its initial mid price
	Start    map[string]float64
	Spread   float64
	Interval time.Duration
	// Volatility is the standard deviation of the relative mid move per interval
	Volatility float64
	Seed       int64
}

// SyntheticFeed produces random-walk quotes
type SyntheticFeed struct {
	cfg    FeedConfig
	sink   QuoteSink
	logger *zap.Logger
	rng    *rand.Rand
	mids   map[string]float64
	order  []string
}

// NewSyntheticFeed creates a feed pushing into sink
func NewSyntheticFeed(cfg FeedConfig, sink QuoteSink, logger *zap.Logger) *SyntheticFeed {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 0.0002
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.0001
	}

	f := &SyntheticFeed{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(zap.String("component", "feed")),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		mids:   make(map[string]float64, len(cfg.Start)),
	}
	for sym, mid := range cfg.Start {
		f.mids[sym] = mid
		f.order = append(f.order, sym)
	}
	sort.Strings(f.order)
	return f
}

// Run publishes one quote per instrument every interval until ctx is done
func (f *SyntheticFeed) Run(ctx context.Context) error {
	f.logger.Info("starting synthetic feed",
		zap.Strings("instruments", f.order),
		zap.Duration("interval", f.cfg.Interval),
	)

	f.publish(time.Now())

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			f.step()
			f.publish(now)
		}
	}
}

func (f *SyntheticFeed) step() {
	for _, sym := range f.order {
		f.mids[sym] *= 1 + f.rng.NormFloat64()*f.cfg.Volatility
	}
}

func (f *SyntheticFeed) publish(now time.Time) {
	half := f.cfg.Spread / 2
	for _, sym := range f.order {
		mid := f.mids[sym]
		f.sink.Quote(domain.Tick{
			Instrument: sym,
			Ask:        mid + half,
			Bid:        mid - half,
			Time:       now,
		})
	}
}
