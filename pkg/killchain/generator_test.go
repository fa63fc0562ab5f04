package killchain

import (
	"math"
	"testing"
)

func TestEventFieldRanges(t *testing.T) {
	g := NewGenerator(42)
	stage := DefaultStages()[0]

	for i := 0; i < 1000; i++ {
		ev, err := g.Event(stage, ScenarioConfig{})
		if err != nil {
			t.Fatalf("Event failed: %v", err)
		}

		if ev.Stage != stage.Stage {
			t.Fatalf("expected stage %s, got %s", stage.Stage, ev.Stage)
		}
		if ev.ImpactScore < 0 || ev.ImpactScore > 99 {
			t.Fatalf("impact score out of range: %d", ev.ImpactScore)
		}
		if ev.DetectionProbability < 0 || ev.DetectionProbability > 70 {
			t.Fatalf("detection probability out of range: %f", ev.DetectionProbability)
		}

		// Two decimal places
		scaled := ev.DetectionProbability * 100
		if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			t.Fatalf("detection probability not rounded to 2dp: %f", ev.DetectionProbability)
		}

		if !contains(stage.Tactics, ev.Tactic) {
			t.Fatalf("tactic %q not in stage table", ev.Tactic)
		}
		if !contains(stage.Techniques, ev.Technique) {
			t.Fatalf("technique %q not in stage table", ev.Technique)
		}
		if ev.Narrative == "" {
			t.Fatal("narrative is empty")
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("timestamp is zero")
		}
	}
}

func TestStealthModeRanges(t *testing.T) {
	g := NewGenerator(7)
	stage := DefaultStages()[2]

	for i := 0; i < 1000; i++ {
		ev, err := g.Event(stage, ScenarioConfig{StealthMode: true})
		if err != nil {
			t.Fatalf("Event failed: %v", err)
		}
		if ev.DetectionProbability > 30 {
			t.Fatalf("stealth detection probability exceeds ceiling: %f", ev.DetectionProbability)
		}
	}
}

// Stealth mode should measurably raise the success rate and lower the
// average detection probability over a large sample.
func TestStealthModeShiftsDistributions(t *testing.T) {
	const n = 10000
	stage := DefaultStages()[0]

	baseSuccess, baseDetect := sample(t, NewGenerator(1), stage, ScenarioConfig{}, n)
	stealthSuccess, stealthDetect := sample(t, NewGenerator(1), stage, ScenarioConfig{StealthMode: true}, n)

	// Expected success rates 0.6 vs 0.8; detection means 35 vs 15.
	if stealthSuccess <= baseSuccess {
		t.Errorf("stealth success rate %f not above base %f", stealthSuccess, baseSuccess)
	}
	if stealthDetect >= baseDetect {
		t.Errorf("stealth detection mean %f not below base %f", stealthDetect, baseDetect)
	}
	if baseSuccess < 0.55 || baseSuccess > 0.65 {
		t.Errorf("base success rate %f far from expected 0.6", baseSuccess)
	}
	if stealthSuccess < 0.75 || stealthSuccess > 0.85 {
		t.Errorf("stealth success rate %f far from expected 0.8", stealthSuccess)
	}
}

func sample(t *testing.T, g *Generator, stage StageDefinition, cfg ScenarioConfig, n int) (successRate, detectMean float64) {
	t.Helper()
	successes := 0
	detectSum := 0.0
	for i := 0; i < n; i++ {
		ev, err := g.Event(stage, cfg)
		if err != nil {
			t.Fatalf("Event failed: %v", err)
		}
		if ev.Success {
			successes++
		}
		detectSum += ev.DetectionProbability
	}
	return float64(successes) / float64(n), detectSum / float64(n)
}

func TestSeedReproducibility(t *testing.T) {
	stage := DefaultStages()[5]

	a := NewGenerator(12345)
	b := NewGenerator(12345)

	for i := 0; i < 100; i++ {
		evA, err := a.Event(stage, ScenarioConfig{})
		if err != nil {
			t.Fatalf("Event failed: %v", err)
		}
		evB, err := b.Event(stage, ScenarioConfig{})
		if err != nil {
			t.Fatalf("Event failed: %v", err)
		}

		if evA.Success != evB.Success ||
			evA.ImpactScore != evB.ImpactScore ||
			evA.DetectionProbability != evB.DetectionProbability ||
			evA.Tactic != evB.Tactic ||
			evA.Technique != evB.Technique {
			t.Fatalf("draw %d diverged between identically seeded generators", i)
		}
	}
}

func TestEventCount(t *testing.T) {
	g := NewGenerator(9)
	seen := make(map[int]int)

	for i := 0; i < 1000; i++ {
		n := g.EventCount()
		if n < 2 || n > 4 {
			t.Fatalf("event count out of range: %d", n)
		}
		seen[n]++
	}

	for _, want := range []int{2, 3, 4} {
		if seen[want] == 0 {
			t.Errorf("event count %d never drawn in 1000 trials", want)
		}
	}
}

func TestDetectionEntry(t *testing.T) {
	g := NewGenerator(3)

	for _, c := range []struct {
		impact int
		want   AlertSeverity
	}{
		{85, SeverityCritical},
		{55, SeverityHigh},
		{10, SeverityMedium},
	} {
		ev := SimulationEvent{ImpactScore: c.impact}
		d := g.Detection(ev, "")

		if d.AlertSeverity != c.want {
			t.Errorf("impact %d: expected severity %s, got %s", c.impact, c.want, d.AlertSeverity)
		}
		if d.DetectionType != DefaultDetectionType {
			t.Errorf("expected default detection type, got %s", d.DetectionType)
		}
		if d.ConfidenceScore < 0 || d.ConfidenceScore >= 100 {
			t.Errorf("confidence score out of range: %f", d.ConfidenceScore)
		}
	}

	d := g.Detection(SimulationEvent{ImpactScore: 50}, "EDR")
	if d.DetectionType != "EDR" {
		t.Errorf("expected detection type EDR, got %s", d.DetectionType)
	}
}

func TestEventRejectsEmptyStage(t *testing.T) {
	g := NewGenerator(1)
	_, err := g.Event(StageDefinition{Stage: "empty"}, ScenarioConfig{})
	if err == nil {
		t.Fatal("expected error for stage with no tactics or techniques")
	}
}

func TestNarrative(t *testing.T) {
	ok := narrative(true, StageDelivery, "Spearphishing Attachment")
	if ok != "Adversary succeeded at delivery using Spearphishing Attachment" {
		t.Errorf("unexpected success narrative: %s", ok)
	}
	fail := narrative(false, StageDelivery, "Spearphishing Attachment")
	if fail != "Adversary attempt at delivery using Spearphishing Attachment was unsuccessful" {
		t.Errorf("unexpected failure narrative: %s", fail)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
