package killchain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultStages is the built-in kill chain. The slice order encodes the
// canonical attack lifecycle and must not be reordered at runtime.
func DefaultStages() []StageDefinition {
	return []StageDefinition{
		{
			Stage:      StageReconnaissance,
			Tactics:    []string{"Active Scanning", "OSINT Gathering", "Victim Identification"},
			Techniques: []string{"T1595", "T1592", "T1589"},
		},
		{
			Stage:      StageWeaponization,
			Tactics:    []string{"Malware Development", "Exploit Pairing"},
			Techniques: []string{"T1587", "T1588"},
		},
		{
			Stage:      StageDelivery,
			Tactics:    []string{"Spearphishing Attachment", "Drive-by Compromise", "Supply Chain"},
			Techniques: []string{"T1566.001", "T1189", "T1195"},
		},
		{
			Stage:      StageExploitation,
			Tactics:    []string{"Client Execution", "Public-Facing Application"},
			Techniques: []string{"T1203", "T1190"},
		},
		{
			Stage:      StageInstallation,
			Tactics:    []string{"Persistence", "Boot Autostart", "Scheduled Task"},
			Techniques: []string{"T1547", "T1053"},
		},
		{
			Stage:      StageCommandAndControl,
			Tactics:    []string{"Application Layer Protocol", "Encrypted Channel", "Proxy"},
			Techniques: []string{"T1071", "T1573", "T1090"},
		},
		{
			Stage:      StageLateralMovement,
			Tactics:    []string{"Remote Services", "Pass the Hash", "SMB Shares"},
			Techniques: []string{"T1021", "T1550.002", "T1021.002"},
		},
		{
			Stage:      StagePrivilegeEscalation,
			Tactics:    []string{"Token Manipulation", "Exploitation for Privilege Escalation"},
			Techniques: []string{"T1134", "T1068"},
		},
		{
			Stage:      StageCredentialAccess,
			Tactics:    []string{"OS Credential Dumping", "Brute Force", "Kerberoasting"},
			Techniques: []string{"T1003", "T1110", "T1558.003"},
		},
		{
			Stage:      StageDefenseEvasion,
			Tactics:    []string{"Masquerading", "Indicator Removal", "Obfuscated Files"},
			Techniques: []string{"T1036", "T1070", "T1027"},
		},
		{
			Stage:      StageExfiltration,
			Tactics:    []string{"Exfiltration Over C2 Channel", "Exfiltration to Cloud Storage"},
			Techniques: []string{"T1041", "T1567.002"},
		},
	}
}

// stageFile is the on-disk shape of a stage table override.
type stageFile struct {
	Stages []StageDefinition `yaml:"stages"`
}

// LoadStages reads a stage table from a YAML file. The file replaces the
// built-in table wholesale; partial overrides are not supported.
func LoadStages(path string) ([]StageDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage table: %w", err)
	}

	var f stageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse stage table: %w", err)
	}

	if err := ValidateStages(f.Stages); err != nil {
		return nil, err
	}

	return f.Stages, nil
}

// ValidateStages rejects malformed stage tables at startup so the generator
// never sees an empty tactic or technique list.
func ValidateStages(stages []StageDefinition) error {
	if len(stages) == 0 {
		return fmt.Errorf("stage table is empty")
	}

	seen := make(map[Stage]bool, len(stages))
	for i, st := range stages {
		if st.Stage == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[st.Stage] {
			return fmt.Errorf("duplicate stage %q", st.Stage)
		}
		seen[st.Stage] = true
		if len(st.Tactics) == 0 {
			return fmt.Errorf("stage %q has no tactics", st.Stage)
		}
		if len(st.Techniques) == 0 {
			return fmt.Errorf("stage %q has no techniques", st.Stage)
		}
		for _, t := range st.Tactics {
			if t == "" {
				return fmt.Errorf("stage %q has an empty tactic", st.Stage)
			}
		}
		for _, t := range st.Techniques {
			if t == "" {
				return fmt.Errorf("stage %q has an empty technique", st.Stage)
			}
		}
	}

	return nil
}
