// Package strategy implements the card-producing strategies. Each one
// inspects a signal context and either proposes a card or stays silent;
// the arbitrator downstream picks among them.
package strategy

import "binance-signal-engine/internal/signal"

// Strategy turns a signal context into a proposal card, or nil when its
// trigger conditions are not met.
type Strategy interface {
	Generate(ctx *signal.Context) *signal.ProposalCard
}
