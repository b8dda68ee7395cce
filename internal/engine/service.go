// Package engine drives the signal pipeline: one tick loop that refreshes
// the sources, evaluates every symbol through the freshness gate, feature
// build, strategy fan-out, arbitration and risk gate, and delivers at most
// one card per symbol to the sinks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"binance-signal-engine/internal/analysis"
	"binance-signal-engine/internal/market"
	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/risk"
	"binance-signal-engine/internal/signal"
	"binance-signal-engine/internal/strategy"
)

// min1mBarsForATR is how many 1m candles one full 15m ATR needs.
const min1mBarsForATR = analysis.Min1mBarsForATR

// recentDecisionLimit bounds the in-memory decision history the ops
// surface reads.
const recentDecisionLimit = 64

// Source is the ingestion driver the service ticks. *market.SourceManager
// satisfies it; tests use fakes.
type Source interface {
	Bootstrap(ctx context.Context)
	Refresh(ctx context.Context) error
	Mode() string
	NowMSCorrected(ctx context.Context) int64
	ClockStatus() market.ClockStatus
}

// RiskGate is the guardrail surface the service consults before emitting.
type RiskGate interface {
	Evaluate(symbol string) (risk.Decision, error)
	RecordTrigger(symbol string) error
	LastTriggerTime(symbol string) (*time.Time, error)
}

// UpdatesPoller drains notifier callbacks once per tick without blocking.
type UpdatesPoller interface {
	PollUpdatesOnce(ctx context.Context) error
}

// Config tunes the evaluation loop.
type Config struct {
	Symbols                 []string
	PollSeconds             float64
	FundingStaleMS          int64
	OIStaleMS               int64
	CooldownAfterTriggerMin int

	// Test-emit dry-run pipeline check.
	TestEmitEnabled     bool
	TestEmitSymbols     []string
	TestEmitIntervalSec int
	LeverageSuggest     int
	MaxRiskUSDT         float64
}

// DecisionRecord is one evaluation outcome kept for the ops surface.
type DecisionRecord struct {
	Symbol   string    `json:"symbol"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason"`
	TraceID  string    `json:"trace_id,omitempty"`
	At       time.Time `json:"at"`
}

// StatusSnapshot is a detached view of the service for health endpoints.
type StatusSnapshot struct {
	RunID     string             `json:"run_id"`
	StartedAt time.Time          `json:"started_at"`
	Ticks     uint64             `json:"ticks"`
	Mode      string             `json:"mode"`
	Decisions []DecisionRecord   `json:"decisions"`
	Clock     market.ClockStatus `json:"-"`
}

// Service owns one run of the engine over a fixed symbol universe.
type Service struct {
	cfg        Config
	store      *market.Store
	source     Source
	strategies []strategy.Strategy
	arbitrator *signal.Arbitrator
	riskGate   RiskGate
	emitter    *Emitter
	updates    UpdatesPoller
	metrics    *metrics.Metrics
	log        zerolog.Logger

	runID     string
	startedAt time.Time
	now       func() time.Time

	testEmitSymbols map[string]struct{}
	lastTestEmit    map[string]time.Time
	warmupLogged    map[string]bool
	lastMode        string

	mu     sync.Mutex
	ticks  uint64
	recent []DecisionRecord
}

// NewService wires the pipeline. The metrics and updates poller are
// optional; everything else is required.
func NewService(
	cfg Config,
	store *market.Store,
	source Source,
	strategies []strategy.Strategy,
	arbitrator *signal.Arbitrator,
	riskGate RiskGate,
	emitter *Emitter,
	updates UpdatesPoller,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Service {
	testEmitSymbols := make(map[string]struct{}, len(cfg.TestEmitSymbols))
	for _, symbol := range cfg.TestEmitSymbols {
		testEmitSymbols[symbol] = struct{}{}
	}
	runID := uuid.NewString()
	if emitter != nil && emitter.runID == "" {
		emitter.runID = runID
	}
	return &Service{
		cfg:             cfg,
		store:           store,
		source:          source,
		strategies:      strategies,
		arbitrator:      arbitrator,
		riskGate:        riskGate,
		emitter:         emitter,
		updates:         updates,
		metrics:         m,
		log:             log,
		runID:           runID,
		startedAt:       time.Now().UTC(),
		now:             time.Now,
		testEmitSymbols: testEmitSymbols,
		lastTestEmit:    map[string]time.Time{},
		warmupLogged:    map[string]bool{},
	}
}

// RunID identifies this process run in logs and payload traces.
func (s *Service) RunID() string { return s.runID }

// Run bootstraps the sources and ticks until the context is cancelled.
// Every tick is fault-isolated: an inner panic or error is logged and the
// next tick proceeds.
func (s *Service) Run(ctx context.Context) {
	s.log.Info().
		Str("run_id", s.runID).
		Strs("symbols", s.cfg.Symbols).
		Msg("signal service starting")
	s.source.Bootstrap(ctx)
	s.lastMode = s.source.Mode()

	interval := time.Duration(s.cfg.PollSeconds * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Str("run_id", s.runID).Msg("signal service stopping")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick executes one tick and contains its failures.
func (s *Service) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("tick panicked, service continues")
		}
	}()

	start := time.Now()
	s.tick(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TicksTotal.Inc()
		s.metrics.TickDuration.Observe(elapsed.Seconds())
		s.observeHealth()
	}
}

func (s *Service) tick(ctx context.Context) {
	if err := s.source.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Msg("source refresh failed, skipping evaluation this tick")
		return
	}

	for _, symbol := range s.cfg.Symbols {
		card, traceID, err := s.evaluateSymbol(ctx, symbol)
		if err != nil {
			s.log.Error().Str("symbol", symbol).Err(err).Msg("evaluation failed, service continues")
			continue
		}
		if card == nil {
			continue
		}
		s.emitter.Deliver(ctx, *card, traceID)
		if s.metrics != nil {
			s.metrics.CardsEmittedTotal.WithLabelValues(card.Strategy).Inc()
		}
	}

	if s.updates != nil {
		if err := s.updates.PollUpdatesOnce(ctx); err != nil {
			s.log.Warn().Err(err).Msg("notifier update poll failed")
		}
	}
}

// evaluateSymbol walks one symbol through the full gate chain and returns
// the card to deliver, if any. The only error path is risk-state
// persistence.
func (s *Service) evaluateSymbol(ctx context.Context, symbol string) (*signal.ProposalCard, string, error) {
	snap := s.store.Snapshot(symbol)
	if snap.Price == nil || len(snap.Klines1m) == 0 {
		s.log.Debug().Str("symbol", symbol).Str("mode", snap.DataSourceMode).Msg("data not ready")
		s.recordDecision(symbol, "no_signal", "data_not_ready", "", nil, false)
		return nil, "", nil
	}

	nowMS := s.source.NowMSCorrected(ctx)
	gate := evaluateDerivativesGate(snap, nowMS, s.cfg.FundingStaleMS, s.cfg.OIStaleMS)
	s.logGate(symbol, snap.DataSourceMode, nowMS, gate)
	if !gate.Allow {
		s.recordDecision(symbol, "blocked", gate.Reason, "", nil, false)
		return nil, "", nil
	}

	if snap.LastFundingRate == nil || snap.OpenInterest == nil || snap.MarkPrice == nil {
		s.log.Info().Str("symbol", symbol).Msg("derivatives missing, skip card generation")
		s.recordDecision(symbol, "blocked", "derivatives_missing", "", nil, false)
		return nil, "", nil
	}

	if len(snap.Klines1m) < min1mBarsForATR {
		if !s.warmupLogged[symbol] {
			s.log.Info().
				Str("symbol", symbol).
				Int("have_1m_bars", len(snap.Klines1m)).
				Int("need_1m_bars", min1mBarsForATR).
				Int("period_15m", analysis.ATRPeriod15m).
				Msg("atr warmup")
			s.warmupLogged[symbol] = true
		}
		if card, traceID := s.maybeTestEmit(symbol, snap, gate); card != nil {
			return card, traceID, nil
		}
		s.recordDecision(symbol, "no_signal", "atr_warmup", "", nil, true)
		return nil, "", nil
	}

	sctx := signal.BuildContext(signal.ContextInput{
		Symbol:             symbol,
		Price:              *snap.Price,
		Klines1m:           snap.Klines1m,
		FundingRate:        *snap.LastFundingRate,
		OpenInterest:       *snap.OpenInterest,
		MarkPrice:          *snap.MarkPrice,
		OpenInterestSeries: snap.OpenInterestSeries,
		LastKlineCloseTS:   snap.LastKlineCloseTS,
	})
	if sctx == nil {
		s.log.Warn().
			Str("symbol", symbol).
			Int("have_1m_bars", len(snap.Klines1m)).
			Int("need_1m_bars", min1mBarsForATR).
			Msg("not enough data to compute atr")
		if card, traceID := s.maybeTestEmit(symbol, snap, gate); card != nil {
			return card, traceID, nil
		}
		s.recordDecision(symbol, "no_signal", "atr_unavailable", "", nil, true)
		return nil, "", nil
	}
	delete(s.warmupLogged, symbol)

	var candidates []signal.ProposalCard
	for _, strat := range s.strategies {
		if card := strat.Generate(sctx); card != nil {
			candidates = append(candidates, *card)
		}
	}

	winner := s.arbitrator.ChooseBest(candidates, sctx)
	if winner == nil {
		if card, traceID := s.maybeTestEmit(symbol, snap, gate); card != nil {
			return card, traceID, nil
		}
		s.recordDecision(symbol, "no_signal", "strategy_no_card", "", sctx, true)
		return nil, "", nil
	}

	decision, err := s.riskGate.Evaluate(symbol)
	if err != nil {
		return nil, "", fmt.Errorf("risk evaluate: %w", err)
	}
	if !decision.Allowed {
		s.log.Info().Str("symbol", symbol).Str("reason", decision.Reason).Msg("risk blocked")
		if card, traceID := s.maybeTestEmit(symbol, snap, gate); card != nil {
			return card, traceID, nil
		}
		s.recordDecision(symbol, "blocked", decision.Reason, "", sctx, true)
		return nil, "", nil
	}

	traceID := uuid.NewString()
	s.recordDecision(symbol, "emit", "ok", traceID, sctx, true)
	if err := s.riskGate.RecordTrigger(symbol); err != nil {
		return nil, "", fmt.Errorf("risk record trigger: %w", err)
	}

	out := *winner
	out.OIStatus = gate.OIStatus
	return &out, traceID, nil
}

// maybeTestEmit fabricates the dry-run card when the normal evaluation
// produced nothing for the symbol this tick. It bypasses the strategies,
// arbitration and risk recording; only the interval throttles it.
func (s *Service) maybeTestEmit(symbol string, snap market.SymbolSnapshot, gate derivativesGate) (*signal.ProposalCard, string) {
	if !s.cfg.TestEmitEnabled {
		return nil, ""
	}
	if _, ok := s.testEmitSymbols[symbol]; !ok {
		return nil, ""
	}
	now := s.now().UTC()
	if last, ok := s.lastTestEmit[symbol]; ok {
		if now.Sub(last) < time.Duration(s.cfg.TestEmitIntervalSec)*time.Second {
			return nil, ""
		}
	}
	if snap.Price == nil {
		return nil, ""
	}

	entry := *snap.Price
	stop := entry * 0.998
	positionUSDT, err := analysis.CalculatePositionUSDT(entry, stop, s.cfg.MaxRiskUSDT)
	if err != nil {
		return nil, ""
	}

	s.lastTestEmit[symbol] = now
	traceID := uuid.NewString()
	s.recordDecision(symbol, "emit", "test_emit", traceID, nil, gate.Allow)
	return &signal.ProposalCard{
		Symbol:          symbol,
		Strategy:        "test_emit_dryrun",
		Side:            signal.SideLong,
		Entry:           entry,
		Stop:            stop,
		LeverageSuggest: s.cfg.LeverageSuggest,
		PositionUSDT:    positionUSDT,
		MaxRiskUSDT:     s.cfg.MaxRiskUSDT,
		TTLMinutes:      5,
		Rationale:       "TEST DRYRUN emit for pipeline verification",
		CreatedAt:       signal.CreatedAtTimestamp(),
		Priority:        10_000,
		Confidence:      100,
		OIStatus:        gate.OIStatus,
	}, traceID
}

// recordDecision logs one structured decision line, feeds the metrics, and
// keeps the record for the ops surface.
func (s *Service) recordDecision(symbol, decision, reason, traceID string, sctx *signal.Context, derivativesOK bool) {
	event := s.log.Info().
		Str("run_id", s.runID).
		Str("symbol", symbol).
		Str("decision", decision).
		Str("reason", reason).
		Int64("cooldown_remaining_ms", s.cooldownRemainingMS(symbol)).
		Bool("derivatives_ok", derivativesOK)

	if sctx != nil {
		event = event.
			Float64("atr", sctx.ATR15m).
			Float64("trend_score", sctx.Return5m)
		if sctx.Price != 0 {
			dist := sctx.Price - sctx.MarkPrice
			if dist < 0 {
				dist = -dist
			}
			event = event.Float64("price_dist_pct", dist/sctx.Price)
		}
	} else {
		event = event.Str("atr", "na").Str("trend_score", "na").Str("price_dist_pct", "na")
	}
	if traceID != "" {
		event = event.Str("trace_id", traceID)
	}
	event.Msg("signal_decision")

	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(decision, reason).Inc()
	}

	s.mu.Lock()
	s.recent = append(s.recent, DecisionRecord{
		Symbol:   symbol,
		Decision: decision,
		Reason:   reason,
		TraceID:  traceID,
		At:       s.now().UTC(),
	})
	if len(s.recent) > recentDecisionLimit {
		s.recent = s.recent[len(s.recent)-recentDecisionLimit:]
	}
	s.mu.Unlock()
}

func (s *Service) cooldownRemainingMS(symbol string) int64 {
	last, err := s.riskGate.LastTriggerTime(symbol)
	if err != nil || last == nil {
		return 0
	}
	until := last.Add(time.Duration(s.cfg.CooldownAfterTriggerMin) * time.Minute)
	remaining := until.Sub(s.now().UTC()).Milliseconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Service) logGate(symbol, mode string, nowMS int64, gate derivativesGate) {
	if gate.Allow {
		return
	}
	s.log.Info().
		Str("unit", "ms").
		Str("symbol", symbol).
		Str("mode", mode).
		Int64("now_ms_corrected", nowMS).
		Str("funding_raw_age_ms", fmtAgeMS(gate.FundingRawAgeMS)).
		Int64("funding_threshold_ms", s.cfg.FundingStaleMS).
		Str("oi_raw_age_ms", fmtAgeMS(gate.OIRawAgeMS)).
		Int64("oi_threshold_ms", s.cfg.OIStaleMS).
		Str("oi_status", gate.OIStatus).
		Str("reason", gate.Reason).
		Msg("derivatives_stale_check")
}

// observeHealth refreshes the gauges after a tick.
func (s *Service) observeHealth() {
	mode := s.source.Mode()
	if mode != s.lastMode {
		s.metrics.ModeSwitchesTotal.WithLabelValues(s.lastMode, mode).Inc()
		s.lastMode = mode
	}
	s.metrics.SetSourceMode(mode)
	s.metrics.ClockSkewMS.Set(float64(s.source.ClockStatus().SkewMS))
	for _, symbol := range s.cfg.Symbols {
		priceCount, klineCount := s.store.BufferSizes(symbol)
		s.metrics.PriceBufferSize.WithLabelValues(symbol).Set(float64(priceCount))
		s.metrics.KlineBufferSize.WithLabelValues(symbol).Set(float64(klineCount))
	}
}

// Status returns a detached view for health endpoints.
func (s *Service) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		RunID:     s.runID,
		StartedAt: s.startedAt,
		Ticks:     s.ticks,
		Mode:      s.source.Mode(),
		Decisions: append([]DecisionRecord(nil), s.recent...),
		Clock:     s.source.ClockStatus(),
	}
}
