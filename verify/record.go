package verify

import (
	"sync/atomic"

	"github.com/outofforest/specdec/types"
)

// Stats summarizes speculation efficiency.
type Stats struct {
	AcceptanceRate    float64
	AvgAcceptedLength float64
	SpeedupFactor     float64
}

// SpeculationStats computes statistics from totals. Zero denominators produce zero rates and speedup of 1.
func SpeculationStats(totalProposed, totalAccepted, totalSteps uint64) Stats {
	stats := Stats{SpeedupFactor: 1}
	if totalProposed > 0 {
		stats.AcceptanceRate = float64(totalAccepted) / float64(totalProposed)
	}
	if totalSteps > 0 {
		stats.AvgAcceptedLength = float64(totalAccepted) / float64(totalSteps)
		stats.SpeedupFactor = stats.AvgAcceptedLength + 1
	}
	return stats
}

// AcceptanceRecord is the result of verifying one draft tree.
type AcceptanceRecord struct {
	Stats

	// AcceptedNodes are indices of accepted nodes, root excluded, in root-to-leaf order.
	AcceptedNodes []types.NodeIndex

	// AcceptedTokens are tokens of AcceptedNodes.
	AcceptedTokens []types.Token

	// BonusToken is the token drawn from the residual on rejection, or from the target after full acceptance.
	BonusToken types.Token
	HasBonus   bool

	// Proposed is the number of nodes on the verified branch.
	Proposed uint64
}

// Tokens returns tokens the sequence is extended with: accepted ones followed by the bonus token.
func (r AcceptanceRecord) Tokens() []types.Token {
	tokens := make([]types.Token, 0, len(r.AcceptedTokens)+1)
	tokens = append(tokens, r.AcceptedTokens...)
	if r.HasBonus {
		tokens = append(tokens, r.BonusToken)
	}
	return tokens
}

// Tracker accumulates statistics of many records. It is safe for concurrent use.
type Tracker struct {
	proposed atomic.Uint64
	accepted atomic.Uint64
	steps    atomic.Uint64
}

// Observe adds record to the totals.
func (t *Tracker) Observe(record AcceptanceRecord) {
	t.proposed.Add(record.Proposed)
	t.accepted.Add(uint64(len(record.AcceptedNodes)))
	t.steps.Add(1)
}

// Totals returns accumulated totals.
func (t *Tracker) Totals() (proposed, accepted, steps uint64) {
	return t.proposed.Load(), t.accepted.Load(), t.steps.Load()
}

// Stats returns statistics of all observed records.
func (t *Tracker) Stats() Stats {
	return SpeculationStats(t.Totals())
}
