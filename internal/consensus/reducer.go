package consensus

import (
	"sort"

	"github.com/vadiminshakov/tradecore/internal/domain"
)

// Reducer turns at least one vote into a consensus result.
type Reducer interface {
	Reduce(votes []Vote) domain.ConsensusResult
}

// MajorityReducer picks the action with the most votes.
// Ties are broken by summed confidence score, then by provider priority.
// Price levels come from the highest-confidence contributor of the winning action.
type MajorityReducer struct{}

type tally struct {
	action      domain.Action
	count       int
	score       int
	bestPrio    int
	contributor Vote
}

// Reduce implements Reducer. votes must not be empty.
func (MajorityReducer) Reduce(votes []Vote) domain.ConsensusResult {
	sorted := make([]Vote, len(votes))
	copy(sorted, votes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	tallies := make(map[domain.Action]*tally)
	order := make([]domain.Action, 0, len(sorted))
	result := domain.ConsensusResult{Votes: make(map[domain.Action]int)}

	for _, v := range sorted {
		a := v.Decision.Action
		t, ok := tallies[a]
		if !ok {
			t = &tally{action: a, bestPrio: v.Priority, contributor: v}
			tallies[a] = t
			order = append(order, a)
		}
		t.count++
		t.score += v.Decision.Confidence.Score()
		// sorted by priority, so strict comparison keeps the earliest on equal confidence
		if v.Decision.Confidence.Score() > t.contributor.Decision.Confidence.Score() {
			t.contributor = v
		}
		result.Votes[a]++
	}

	var winner *tally
	for _, a := range order {
		t := tallies[a]
		if winner == nil || beats(t, winner) {
			winner = t
		}
	}

	d := winner.contributor.Decision
	result.Action = winner.action
	result.Confidence = d.Confidence
	result.SizeFraction = d.SizeFraction
	result.StopLoss = d.StopLoss
	result.TakeProfit = d.TakeProfit
	result.Reason = d.Reason
	result.TriggeredBy = winner.contributor.Provider

	return result
}

func beats(a, b *tally) bool {
	if a.count != b.count {
		return a.count > b.count
	}
	if a.score != b.score {
		return a.score > b.score
	}
	return a.bestPrio < b.bestPrio
}
