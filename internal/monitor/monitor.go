package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"telegram-ca-listener/internal/market"
	"telegram-ca-listener/internal/scoring"
	"telegram-ca-listener/internal/storage"
)

// PumpThresholds are the upward multipliers that trigger alerts:
// +25%, +50%, 2x, 5x, 10x. Ascending.
var PumpThresholds = []float64{1.25, 1.5, 2.0, 5.0, 10.0}

// DumpThresholds are the downward multipliers: -25%, -50%.
var DumpThresholds = []float64{0.75, 0.5}

// successThreshold is the pump multiple at which the first-source channel
// gets credited with a successful call.
const successThreshold = 2.0

// MarketData fetches the current market snapshot for an address.
type MarketData interface {
	FetchTokenInfo(ctx context.Context, address string) (*market.TokenInfo, error)
}

// Config for the monitor loop.
type Config struct {
	Interval    time.Duration // cycle interval
	MaxTokenAge time.Duration // contracts first seen earlier are skipped
	BatchLimit  int           // most-recent contracts loaded per cycle
}

// PriceMonitor polls tracked contracts and raises one alert per
// (contract, threshold) pair when the entry-relative multiplier crosses it.
type PriceMonitor struct {
	db     *storage.DB
	market MarketData
	cfg    Config

	// triggered is a per-process query-avoidance cache. It is never the
	// source of truth: every creation is gated on the persisted AlertExists
	// check, so duplicates stay impossible across restarts.
	triggered map[string]map[float64]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a price monitor. Zero config fields get defaults.
func New(db *storage.DB, md MarketData, cfg Config) *PriceMonitor {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxTokenAge == 0 {
		cfg.MaxTokenAge = 24 * time.Hour
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = 100
	}

	return &PriceMonitor{
		db:        db,
		market:    md,
		cfg:       cfg,
		triggered: make(map[string]map[float64]struct{}),
	}
}

// Start launches the monitor loop. Cancellation happens between cycles, not
// mid-cycle.
func (m *PriceMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		log.Info().Dur("interval", m.cfg.Interval).Msg("price monitor started")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("price monitor stopped")
				return
			case <-ticker.C:
				// A cycle never kills the loop; errors are logged and the
				// next tick retries.
				m.runCycle(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current cycle to finish.
func (m *PriceMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// RunCycle executes one full check pass. Exposed for the loop and for tests.
func (m *PriceMonitor) RunCycle(ctx context.Context) {
	m.runCycle(ctx)
}

func (m *PriceMonitor) runCycle(ctx context.Context) {
	contracts, err := m.db.LatestContracts(m.cfg.BatchLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to load contracts for price check")
		return
	}

	cutoff := time.Now().Add(-m.cfg.MaxTokenAge).Unix()

	var eligible []*storage.Contract
	for _, c := range contracts {
		if c.DetectedMcap > 0 && c.FirstSeenAt > cutoff {
			eligible = append(eligible, c)
		}
	}

	if len(eligible) == 0 {
		log.Debug().Int("total", len(contracts)).Msg("no eligible contracts to check")
		return
	}

	log.Info().Int("count", len(eligible)).Msg("checking tracked contracts for price moves")

	for _, c := range eligible {
		// Fault-isolated: one bad address never aborts the rest of the cycle.
		if err := m.checkContract(ctx, c); err != nil {
			log.Error().Err(err).Str("address", short(c.Address)).Msg("contract check failed")
		}
	}
}

func (m *PriceMonitor) checkContract(ctx context.Context, c *storage.Contract) error {
	info, err := m.market.FetchTokenInfo(ctx, c.Address)
	if err != nil {
		// Unavailable this cycle; self-heals on the next interval.
		log.Debug().Str("address", short(c.Address)).Msg("no current market cap, skipping")
		return nil
	}

	multiplier := info.MarketCap / c.DetectedMcap

	log.Debug().
		Str("address", short(c.Address)).
		Float64("entry", c.DetectedMcap).
		Float64("current", info.MarketCap).
		Float64("multiplier", multiplier).
		Msg("price checked")

	symbol := c.TokenSymbol
	if symbol == "" {
		symbol = info.Symbol
	}

	// Every crossed-but-untriggered threshold gets its own alert so the
	// read side sees the full milestone timeline, not just the highest.
	for _, threshold := range PumpThresholds {
		if multiplier >= threshold {
			if err := m.maybeAlert(c, symbol, info.MarketCap, multiplier, threshold, false); err != nil {
				return err
			}
		}
	}
	for _, threshold := range DumpThresholds {
		if multiplier <= threshold {
			if err := m.maybeAlert(c, symbol, info.MarketCap, multiplier, threshold, true); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *PriceMonitor) maybeAlert(c *storage.Contract, symbol string,
	currentMcap, multiplier, threshold float64, isDump bool) error {

	if m.alreadyTriggered(c.Address, threshold) {
		return nil
	}

	exists, err := m.db.AlertExists(c.Address, threshold)
	if err != nil {
		return fmt.Errorf("alert existence check: %w", err)
	}
	if exists {
		m.markTriggered(c.Address, threshold)
		return nil
	}

	alert := &storage.Alert{
		Address:     c.Address,
		Source:      "telegram",
		SourceName:  c.FirstSourceChannel,
		TokenSymbol: symbol,
		EntryMcap:   c.DetectedMcap,
		CurrentMcap: currentMcap,
		Multiplier:  multiplier,
		Threshold:   threshold,
	}

	if err := m.db.CreateAlert(alert); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			m.markTriggered(c.Address, threshold)
			return nil
		}
		return fmt.Errorf("create alert: %w", err)
	}

	m.markTriggered(c.Address, threshold)

	kind := "PUMP"
	if isDump {
		kind = "DUMP"
	}
	log.Info().
		Str("kind", kind).
		Str("channel", c.FirstSourceChannel).
		Str("symbol", symbol).
		Str("threshold", formatThreshold(threshold, isDump)).
		Float64("multiplier", multiplier).
		Msg("price alert raised")

	if !isDump && threshold == successThreshold {
		m.creditChannel(c.FirstSourceChannel)
	}

	return nil
}

// creditChannel counts a 2x pump as a successful call for the first-source
// channel and refreshes its derived credibility.
func (m *PriceMonitor) creditChannel(username string) {
	if err := m.db.IncrementChannelSuccess(username); err != nil {
		log.Error().Err(err).Str("channel", username).Msg("failed to credit channel")
		return
	}

	ch, err := m.db.GetChannel(username)
	if err != nil || ch == nil {
		log.Error().Err(err).Str("channel", username).Msg("failed to reload channel")
		return
	}

	cred := scoring.Credibility(ch.TotalCalls, ch.SuccessfulCalls)
	if err := m.db.UpdateChannelCredibility(username, cred); err != nil {
		log.Error().Err(err).Str("channel", username).Msg("failed to update credibility")
		return
	}

	log.Info().Str("channel", username).Int("credibility", cred).Msg("channel credited for 2x call")
}

func (m *PriceMonitor) alreadyTriggered(address string, threshold float64) bool {
	set, ok := m.triggered[address]
	if !ok {
		return false
	}
	_, hit := set[threshold]
	return hit
}

func (m *PriceMonitor) markTriggered(address string, threshold float64) {
	set, ok := m.triggered[address]
	if !ok {
		set = make(map[float64]struct{})
		m.triggered[address] = set
	}
	set[threshold] = struct{}{}
}

func formatThreshold(threshold float64, isDump bool) string {
	switch {
	case isDump:
		return fmt.Sprintf("-%d%%", int((1-threshold)*100))
	case threshold < 2:
		return fmt.Sprintf("+%d%%", int((threshold-1)*100))
	default:
		return fmt.Sprintf("%gx", threshold)
	}
}

func short(address string) string {
	if len(address) <= 8 {
		return address
	}
	return address[:8]
}
