package killchain

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultStagesOrder(t *testing.T) {
	stages := DefaultStages()

	if len(stages) != 11 {
		t.Fatalf("expected 11 stages, got %d", len(stages))
	}

	expected := []Stage{
		StageReconnaissance,
		StageWeaponization,
		StageDelivery,
		StageExploitation,
		StageInstallation,
		StageCommandAndControl,
		StageLateralMovement,
		StagePrivilegeEscalation,
		StageCredentialAccess,
		StageDefenseEvasion,
		StageExfiltration,
	}

	for i, want := range expected {
		if stages[i].Stage != want {
			t.Errorf("stage %d: expected %s, got %s", i, want, stages[i].Stage)
		}
	}
}

func TestDefaultStagesComplete(t *testing.T) {
	for _, stage := range DefaultStages() {
		if len(stage.Tactics) == 0 {
			t.Errorf("stage %s has no tactics", stage.Stage)
		}
		if len(stage.Techniques) == 0 {
			t.Errorf("stage %s has no techniques", stage.Stage)
		}
	}
}

func TestValidateStages(t *testing.T) {
	if err := ValidateStages(DefaultStages()); err != nil {
		t.Fatalf("default stages should validate: %v", err)
	}

	if err := ValidateStages(nil); err == nil {
		t.Error("expected error for empty stage table")
	}

	bad := []StageDefinition{
		{Stage: "recon", Tactics: []string{"x"}, Techniques: nil},
	}
	if err := ValidateStages(bad); err == nil {
		t.Error("expected error for stage with no techniques")
	}

	dup := []StageDefinition{
		{Stage: "recon", Tactics: []string{"x"}, Techniques: []string{"T1"}},
		{Stage: "recon", Tactics: []string{"y"}, Techniques: []string{"T2"}},
	}
	if err := ValidateStages(dup); err == nil {
		t.Error("expected error for duplicate stage name")
	}
}

func TestLoadStages(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "aptsim-stages-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "stages.yaml")
	content := `stages:
  - stage: reconnaissance
    tactics: ["active_scanning"]
    techniques: ["T1595"]
  - stage: exfiltration
    tactics: ["exfil_over_c2"]
    techniques: ["T1041"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write stage file: %v", err)
	}

	stages, err := LoadStages(path)
	if err != nil {
		t.Fatalf("LoadStages failed: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	if stages[0].Stage != StageReconnaissance {
		t.Errorf("expected first stage reconnaissance, got %s", stages[0].Stage)
	}
	if stages[1].Techniques[0] != "T1041" {
		t.Errorf("expected technique T1041, got %s", stages[1].Techniques[0])
	}
}

func TestLoadStagesRejectsInvalid(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "aptsim-stages-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(path, []byte("stages:\n  - stage: recon\n"), 0o644); err != nil {
		t.Fatalf("failed to write stage file: %v", err)
	}

	if _, err := LoadStages(path); err == nil {
		t.Error("expected error for stage with no tactics or techniques")
	}

	if _, err := LoadStages(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSeverityForImpact(t *testing.T) {
	cases := []struct {
		impact int
		want   AlertSeverity
	}{
		{0, SeverityMedium},
		{40, SeverityMedium},
		{41, SeverityHigh},
		{70, SeverityHigh},
		{71, SeverityCritical},
		{99, SeverityCritical},
	}

	for _, c := range cases {
		if got := SeverityForImpact(c.impact); got != c.want {
			t.Errorf("impact %d: expected %s, got %s", c.impact, c.want, got)
		}
	}
}
