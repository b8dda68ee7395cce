// Package signal holds the proposal card contract, the per-evaluation
// signal context, and the arbitrator that picks one card out of competing
// strategy candidates.
package signal

import "time"

// Card sides. Cards never carry any other value.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Open-interest freshness statuses stamped onto emitted cards.
const (
	OIStatusFresh   = "fresh"
	OIStatusStale   = "stale"
	OIStatusUnknown = "unknown"
)

// ProposalCard is a trade proposal produced by a strategy. It is advisory
// only; nothing downstream places orders from it.
type ProposalCard struct {
	Symbol          string  `json:"symbol"`
	Strategy        string  `json:"strategy"`
	Side            string  `json:"side"`
	Entry           float64 `json:"entry"`
	Stop            float64 `json:"stop"`
	LeverageSuggest int     `json:"leverage_suggest"`
	PositionUSDT    float64 `json:"position_usdt"`
	MaxRiskUSDT     float64 `json:"max_risk_usdt"`
	TTLMinutes      int     `json:"ttl_minutes"`
	Rationale       string  `json:"rationale"`
	CreatedAt       string  `json:"created_at"`
	Priority        int     `json:"priority"`
	Confidence      float64 `json:"confidence"`
	OIStatus        string  `json:"oi_status"`
}

// CardPayload is the wire form of an emitted card: the card fields flattened
// alongside the trace id that ties the emission's log lines together.
type CardPayload struct {
	ProposalCard
	TraceID string `json:"trace_id"`
}

// CreatedAtTimestamp returns the UTC creation timestamp new cards carry in
// created_at.
func CreatedAtTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
