package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BaSui01/quantflow/types"
)

// writeArtifacts writes blobs into a fresh temp directory under baseDir and
// renames it into place at <baseDir>/<operationID>, replacing any prior
// directory. Rename is atomic on the same filesystem, so readers only ever
// observe a complete artifact set. Returns the final path and total bytes.
func writeArtifacts(baseDir, operationID string, artifacts map[string][]byte) (string, int64, error) {
	finalDir := filepath.Join(baseDir, operationID)
	tmpDir := filepath.Join(baseDir, fmt.Sprintf(".tmp-%s-%d", operationID, time.Now().UnixNano()))

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", 0, types.NewError(types.ErrInternalError, "create artifact temp dir").WithCause(err)
	}

	var total int64
	for name, blob := range artifacts {
		path := filepath.Join(tmpDir, name)
		if err := os.WriteFile(path, blob, 0o644); err != nil {
			os.RemoveAll(tmpDir)
			return "", 0, types.NewErrorf(types.ErrInternalError, "write artifact %s", name).WithCause(err)
		}
		total += int64(len(blob))
	}

	// Replace prior directory, then swap the temp dir in
	if err := os.RemoveAll(finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", 0, types.NewError(types.ErrInternalError, "remove prior artifacts").WithCause(err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", 0, types.NewError(types.ErrInternalError, "rename artifacts into place").WithCause(err)
	}

	return finalDir, total, nil
}

// readArtifacts loads every regular file in dir as a named blob.
func readArtifacts(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewErrorf(types.ErrCheckpointCorrupted, "artifacts directory missing: %s", dir)
		}
		return nil, types.NewError(types.ErrInternalError, "read artifacts directory").WithCause(err)
	}

	artifacts := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, types.NewErrorf(types.ErrInternalError, "read artifact %s", entry.Name()).WithCause(err)
		}
		artifacts[entry.Name()] = blob
	}
	return artifacts, nil
}

// removeArtifacts deletes the artifacts directory if present.
func removeArtifacts(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return types.NewError(types.ErrInternalError, "remove artifacts directory").WithCause(err)
	}
	return nil
}
