package registry

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/model"
)

// LoadArtifactFile reads a model artifact exported as JSON. Imported
// artifacts always enter the registry as candidates with the gate verdict
// cleared.
func LoadArtifactFile(path string) (*model.ModelArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read artifact file")
	}

	var a model.ModelArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal artifact file")
	}
	if len(a.Weights) == 0 || len(a.Classes) != len(a.Weights) {
		return nil, eris.Errorf("registry: artifact file %s has %d classes and %d weight rows", path, len(a.Classes), len(a.Weights))
	}

	a.ReleaseStatus = model.StatusCandidate
	a.ReleasedAt = nil
	a.RetiredAt = nil
	a.Metrics.GatePassed = false
	a.Metrics.GateFailures = nil
	return &a, nil
}

// WriteArtifactFile exports an artifact as indented JSON.
func WriteArtifactFile(path string, a *model.ModelArtifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return eris.Wrap(err, "registry: marshal artifact")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "registry: write artifact file")
	}
	return nil
}
