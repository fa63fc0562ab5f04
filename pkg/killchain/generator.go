package killchain

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Probability constants for the event draws. Stealth trades detectability
// for a higher success rate: stealthy runs fail less and surface less.
const (
	baseFailureProb    = 0.4
	stealthFailureProb = 0.2

	baseDetectionCeil    = 70.0
	stealthDetectionCeil = 30.0
)

// Generator produces synthetic simulation events. The random source is
// injected so runs are reproducible given a seed and safe to use from
// concurrent orchestrators (one Generator per run, never shared).
type Generator struct {
	rng *rand.Rand
	now func() time.Time
}

// NewGenerator creates a generator backed by the given seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// Event generates one fully populated simulation event for a stage.
// It is a pure function of the stage, the config, and the random source.
func (g *Generator) Event(stage StageDefinition, cfg ScenarioConfig) (SimulationEvent, error) {
	if len(stage.Tactics) == 0 || len(stage.Techniques) == 0 {
		return SimulationEvent{}, fmt.Errorf("stage %q has empty tactic or technique list", stage.Stage)
	}

	failProb := baseFailureProb
	detectCeil := baseDetectionCeil
	if cfg.StealthMode {
		failProb = stealthFailureProb
		detectCeil = stealthDetectionCeil
	}

	success := g.rng.Float64() >= failProb
	impact := g.rng.Intn(100)
	detection := round2(g.rng.Float64() * detectCeil)

	// Tactic and technique are independent draws; any pairing is valid.
	tactic := stage.Tactics[g.rng.Intn(len(stage.Tactics))]
	technique := stage.Techniques[g.rng.Intn(len(stage.Techniques))]

	return SimulationEvent{
		Stage:                stage.Stage,
		Tactic:               tactic,
		Technique:            technique,
		Success:              success,
		ImpactScore:          impact,
		DetectionProbability: detection,
		Narrative:            narrative(success, stage.Stage, tactic),
		Timestamp:            g.now().UTC(),
	}, nil
}

// Detection generates the detection record for an event whose Bernoulli
// trial fired. The entry carries the severity derived from the event's
// impact so downstream consumers never re-derive it.
func (g *Generator) Detection(ev SimulationEvent, detectionType string) DetectionLogEntry {
	if detectionType == "" {
		detectionType = DefaultDetectionType
	}
	return DetectionLogEntry{
		DetectionType:   detectionType,
		ConfidenceScore: round2(g.rng.Float64() * 100),
		AlertSeverity:   SeverityForImpact(ev.ImpactScore),
		Blocked:         g.rng.Float64() < 0.5,
		Timestamp:       g.now().UTC(),
	}
}

// Detected runs the per-event Bernoulli trial at the event's detection
// probability (a percentage).
func (g *Generator) Detected(ev SimulationEvent) bool {
	return g.rng.Float64()*100 < ev.DetectionProbability
}

// EventCount draws the number of events for one stage, uniform over {2,3,4}.
func (g *Generator) EventCount() int {
	return g.rng.Intn(3) + 2
}

func narrative(success bool, stage Stage, tactic string) string {
	if success {
		return fmt.Sprintf("Adversary succeeded at %s using %s", stage, tactic)
	}
	return fmt.Sprintf("Adversary attempt at %s using %s was unsuccessful", stage, tactic)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
