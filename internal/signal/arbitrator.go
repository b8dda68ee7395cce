package signal

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ArbitratorConfig sets the dedupe window against recently sent cards and
// the similarity thresholds for dropping near-identical candidates.
type ArbitratorConfig struct {
	DedupeWindowSeconds int
	EntrySimilarPct     float64
	StopSimilarPct      float64
}

// LastSentFunc reports when a card for the symbol was last emitted, or nil
// if never.
type LastSentFunc func(symbol string) *time.Time

// Arbitrator picks at most one card per evaluation out of the candidates
// the strategies produced.
type Arbitrator struct {
	cfg      ArbitratorConfig
	lastSent LastSentFunc
	log      zerolog.Logger
}

func NewArbitrator(cfg ArbitratorConfig, lastSent LastSentFunc, log zerolog.Logger) *Arbitrator {
	return &Arbitrator{cfg: cfg, lastSent: lastSent, log: log}
}

type cardBrief struct {
	Strategy   string  `json:"strategy"`
	Side       string  `json:"side"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// ChooseBest ranks candidates by priority, then confidence, then shorter
// TTL, drops same-side cards whose entry or stop sits within the similarity
// thresholds of a better one, and returns the top survivor. The whole
// symbol is muted while inside the dedupe window after the last sent card.
func (a *Arbitrator) ChooseBest(cards []ProposalCard, ctx *Context) *ProposalCard {
	if len(cards) == 0 {
		return nil
	}

	briefs := make([]cardBrief, len(cards))
	for i, c := range cards {
		briefs[i] = cardBrief{
			Strategy:   c.Strategy,
			Side:       c.Side,
			Entry:      c.Entry,
			Stop:       c.Stop,
			Priority:   c.Priority,
			Confidence: c.Confidence,
		}
	}
	a.log.Info().
		Str("symbol", ctx.Symbol).
		Interface("cards", briefs).
		Msg("arbitration candidates")

	if last := a.lastSent(ctx.Symbol); last != nil {
		if ctx.Timestamp.Sub(*last).Seconds() <= float64(a.cfg.DedupeWindowSeconds) {
			a.log.Info().
				Str("symbol", ctx.Symbol).
				Str("reason", "dedupe_window").
				Msg("arbitration dropped")
			return nil
		}
	}

	kept := a.dedupeSimilar(rankCards(cards))
	if len(kept) == 0 {
		return nil
	}

	winner := kept[0]
	a.log.Info().
		Str("symbol", ctx.Symbol).
		Str("strategy", winner.Strategy).
		Str("side", winner.Side).
		Int("priority", winner.Priority).
		Float64("confidence", winner.Confidence).
		Msg("arbitration winner")
	return &winner
}

// rankCards orders a copy best-first: priority desc, confidence desc, TTL
// asc. The sort is stable so equal cards keep their strategy wiring order.
func rankCards(cards []ProposalCard) []ProposalCard {
	ranked := append([]ProposalCard(nil), cards...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.TTLMinutes < b.TTLMinutes
	})
	return ranked
}

func (a *Arbitrator) dedupeSimilar(ranked []ProposalCard) []ProposalCard {
	kept := make([]ProposalCard, 0, len(ranked))
	for _, card := range ranked {
		duplicate := false
		for _, existing := range kept {
			if existing.Side != card.Side {
				continue
			}
			entryClose := abs(existing.Entry-card.Entry)/max(existing.Entry, 1e-9) < a.cfg.EntrySimilarPct
			stopClose := abs(existing.Stop-card.Stop)/max(abs(existing.Stop), 1e-9) < a.cfg.StopSimilarPct
			if entryClose || stopClose {
				duplicate = true
				a.log.Info().
					Str("strategy", card.Strategy).
					Str("reason", "similar_entry_or_stop").
					Str("winner", existing.Strategy).
					Msg("arbitration dropped")
				break
			}
		}
		if !duplicate {
			kept = append(kept, card)
		}
	}
	return kept
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
