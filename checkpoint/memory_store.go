package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/quantflow/types"
)

// MemoryStore is an in-process Store for tests and single-process workers.
// It applies the same manifest validation and single-record-per-operation
// semantics as the persistent store; artifacts are held in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Checkpoint
	manifest Manifest
}

// NewMemoryStore creates an empty store. A nil manifest disables artifact
// validation.
func NewMemoryStore(manifest Manifest) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Checkpoint),
		manifest: manifest,
	}
}

func (s *MemoryStore) Save(ctx context.Context, operationID string, typ Type, state map[string]any, artifacts map[string][]byte) error {
	if artifacts != nil {
		if err := s.manifest.Validate(artifacts); err != nil {
			return err
		}
	}

	// Round-trip the state through JSON so memory and persistent stores
	// return identical shapes to resume code.
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return types.NewErrorf(types.ErrInternalError, "marshal checkpoint state for %s", operationID).WithCause(err)
	}
	var stored map[string]any
	if err := json.Unmarshal(stateJSON, &stored); err != nil {
		return types.NewErrorf(types.ErrInternalError, "round-trip checkpoint state for %s", operationID).WithCause(err)
	}

	cp := &Checkpoint{
		OperationID:    operationID,
		Type:           typ,
		State:          stored,
		StateSizeBytes: int64(len(stateJSON)),
		CreatedAt:      time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if artifacts != nil {
		blobs := make(map[string][]byte, len(artifacts))
		var size int64
		for name, blob := range artifacts {
			cp2 := make([]byte, len(blob))
			copy(cp2, blob)
			blobs[name] = cp2
			size += int64(len(blob))
		}
		cp.Artifacts = blobs
		cp.ArtifactsSizeBytes = size
	} else if prior, ok := s.records[operationID]; ok {
		cp.Artifacts = prior.Artifacts
		cp.ArtifactsSizeBytes = prior.ArtifactsSizeBytes
	}

	s.records[operationID] = cp
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, operationID string, includeArtifacts bool) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.records[operationID]
	if !ok {
		return nil, types.NewErrorf(types.ErrCheckpointNotFound, "no checkpoint for operation %s", operationID)
	}

	out := *cp
	if !includeArtifacts {
		out.Artifacts = nil
	}
	return &out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, operationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[operationID]; !ok {
		return false, nil
	}
	delete(s.records, operationID)
	return true, nil
}

func (s *MemoryStore) Exists(ctx context.Context, operationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[operationID]
	return ok, nil
}
