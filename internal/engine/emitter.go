package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-engine/internal/metrics"
	"binance-signal-engine/internal/notification"
	"binance-signal-engine/internal/signal"
)

// CardNotifier is the primary delivery sink.
type CardNotifier interface {
	SendCard(ctx context.Context, payload signal.CardPayload) notification.Result
}

// PostbackSender is the secondary webhook sink.
type PostbackSender interface {
	Send(ctx context.Context, payload signal.CardPayload) notification.Result
}

// CardMirror is a best-effort fan-out sink outside the pipeline result.
type CardMirror interface {
	Publish(ctx context.Context, payload signal.CardPayload)
}

// Emitter pushes one card through every sink. A failing sink never blocks
// the others; the pipeline-result log line reports the combined outcome.
type Emitter struct {
	runID    string
	notifier CardNotifier
	postback PostbackSender
	mirror   CardMirror
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewEmitter wires the sinks. The mirror and metrics are optional; an
// empty runID is filled in by NewService.
func NewEmitter(runID string, notifier CardNotifier, postback PostbackSender, mirror CardMirror, m *metrics.Metrics, log zerolog.Logger) *Emitter {
	return &Emitter{
		runID:    runID,
		notifier: notifier,
		postback: postback,
		mirror:   mirror,
		metrics:  m,
		log:      log,
	}
}

// Deliver sends the card to the notifier and the postback, mirrors it, and
// logs the pipeline result as success, partial, or fail.
func (e *Emitter) Deliver(ctx context.Context, card signal.ProposalCard, traceID string) {
	started := time.Now()
	payload := signal.CardPayload{ProposalCard: card, TraceID: traceID}

	e.log.Info().
		Str("run_id", e.runID).
		Str("trace_id", traceID).
		Str("symbol", card.Symbol).
		Str("strategy", card.Strategy).
		Msg("card_build_start")

	notifierStatus := e.sendNotifier(ctx, payload)
	postbackStatus := e.sendPostback(ctx, payload)
	if e.mirror != nil {
		e.mirror.Publish(ctx, payload)
	}

	result := "fail"
	switch {
	case notifierStatus == "sent" && postbackStatus == "sent":
		result = "success"
	case notifierStatus == "sent" || postbackStatus == "sent":
		result = "partial"
	}
	e.log.Info().
		Str("run_id", e.runID).
		Str("trace_id", traceID).
		Str("symbol", card.Symbol).
		Str("result", result).
		Str("telegram", notifierStatus).
		Str("postback", postbackStatus).
		Int64("total_ms", time.Since(started).Milliseconds()).
		Msg("emit_pipeline_result")
}

func (e *Emitter) sendNotifier(ctx context.Context, payload signal.CardPayload) string {
	res := e.notifier.SendCard(ctx, payload)
	e.observe("telegram", res)
	if !res.OK {
		e.log.Warn().
			Str("trace_id", payload.TraceID).
			Str("symbol", payload.Symbol).
			Str("http_status", fmtStatus(res.HTTPStatus)).
			Msg("telegram_send_fail")
		return "failed"
	}
	e.log.Info().
		Str("trace_id", payload.TraceID).
		Str("symbol", payload.Symbol).
		Str("message_id", fmtMessageID(res.MessageID)).
		Int64("latency_ms", res.LatencyMS).
		Msg("telegram_send_success")
	return "sent"
}

func (e *Emitter) sendPostback(ctx context.Context, payload signal.CardPayload) string {
	res := e.postback.Send(ctx, payload)
	e.observe("postback", res)
	if !res.OK {
		e.log.Warn().
			Str("trace_id", payload.TraceID).
			Str("symbol", payload.Symbol).
			Str("http_status", fmtStatus(res.HTTPStatus)).
			Msg("postback_send_fail")
		return "failed"
	}
	e.log.Info().
		Str("trace_id", payload.TraceID).
		Str("symbol", payload.Symbol).
		Int64("latency_ms", res.LatencyMS).
		Msg("postback_send_success")
	return "sent"
}

func (e *Emitter) observe(sink string, res notification.Result) {
	if e.metrics == nil {
		return
	}
	if !res.OK {
		e.metrics.SinkFailuresTotal.WithLabelValues(sink).Inc()
	}
	e.metrics.SinkLatency.WithLabelValues(sink).Observe(float64(res.LatencyMS) / 1000)
}

func fmtStatus(status *int) string {
	if status == nil {
		return "na"
	}
	return strconv.Itoa(*status)
}

func fmtMessageID(id *int64) string {
	if id == nil {
		return "na"
	}
	return strconv.FormatInt(*id, 10)
}
