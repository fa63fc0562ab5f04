package engine

import (
	"math"
	"testing"

	"github.com/hyperion-flux/aptsim/pkg/killchain"
	"github.com/hyperion-flux/aptsim/pkg/store"
)

func TestAggregate(t *testing.T) {
	events := []*store.EventRecord{
		{SimulationEvent: killchain.SimulationEvent{Success: true, ImpactScore: 80}},
		{SimulationEvent: killchain.SimulationEvent{Success: false, ImpactScore: 20}},
		{SimulationEvent: killchain.SimulationEvent{Success: true, ImpactScore: 50}},
		{SimulationEvent: killchain.SimulationEvent{Success: true, ImpactScore: 10}},
	}

	successRate, avgImpact, totalEvents := Aggregate(events)

	if totalEvents != 4 {
		t.Errorf("expected 4 total events, got %d", totalEvents)
	}
	if math.Abs(successRate-75.0) > 1e-9 {
		t.Errorf("expected success rate 75.0, got %f", successRate)
	}
	if math.Abs(avgImpact-40.0) > 1e-9 {
		t.Errorf("expected avg impact 40.0, got %f", avgImpact)
	}
}

func TestAggregateEmpty(t *testing.T) {
	successRate, avgImpact, totalEvents := Aggregate(nil)
	if successRate != 0 || avgImpact != 0 || totalEvents != 0 {
		t.Errorf("expected zeros for empty input, got %f %f %d", successRate, avgImpact, totalEvents)
	}
}
