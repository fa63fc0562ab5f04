package engine

import (
	"github.com/hyperion-flux/aptsim/pkg/store"
)

// Aggregate computes a run's rollup from its persisted events. The persisted
// rows are the source of truth; no running counters are trusted over them.
// The empty set yields zeros rather than a division by zero.
func Aggregate(events []*store.EventRecord) (successRate, avgImpact float64, totalEvents int) {
	totalEvents = len(events)
	if totalEvents == 0 {
		return 0, 0, 0
	}

	var successes, impactSum int
	for _, ev := range events {
		if ev.Success {
			successes++
		}
		impactSum += ev.ImpactScore
	}

	successRate = float64(successes) / float64(totalEvents) * 100
	avgImpact = float64(impactSum) / float64(totalEvents)
	return successRate, avgImpact, totalEvents
}
