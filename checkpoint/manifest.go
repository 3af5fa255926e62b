package checkpoint

import (
	"sort"
	"strings"

	"github.com/BaSui01/quantflow/types"
)

// Manifest declares which artifact names a checkpoint must carry. Keys are
// artifact names, values mark them required. Optional names document the
// expected set but never fail validation.
type Manifest map[string]bool

// DefaultModelManifest is the manifest for model training checkpoints.
func DefaultModelManifest() Manifest {
	return Manifest{
		"model":      true,
		"optimizer":  true,
		"scheduler":  false,
		"best_model": false,
	}
}

// Validate checks artifacts against the manifest. A missing required
// artifact or a zero-length required artifact fails with
// ARTIFACT_VALIDATION; the save must not be considered durable.
func (m Manifest) Validate(artifacts map[string][]byte) error {
	if len(m) == 0 {
		return nil
	}

	var missing, empty []string
	for name, required := range m {
		if !required {
			continue
		}
		blob, ok := artifacts[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if len(blob) == 0 {
			empty = append(empty, name)
		}
	}

	if len(missing) == 0 && len(empty) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(empty)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required artifacts: "+strings.Join(missing, ", "))
	}
	if len(empty) > 0 {
		parts = append(parts, "zero-length required artifacts: "+strings.Join(empty, ", "))
	}
	return types.NewError(types.ErrArtifactValidation, strings.Join(parts, "; "))
}
