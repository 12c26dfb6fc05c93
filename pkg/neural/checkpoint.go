package neural

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// blobVersion is bumped whenever the weight blob layout changes.
const blobVersion = 1

// weightBlob is the on-disk form of a model.
type weightBlob struct {
	Version int                    `json:"version"`
	Config  Config                 `json:"config"`
	Params  map[string][][]float64 `json:"params"`
}

// CheckpointLoadError reports a missing, corrupt or incompatible weight blob.
type CheckpointLoadError struct {
	Path string
	Err  error
}

func (e *CheckpointLoadError) Error() string {
	return fmt.Sprintf("could not load checkpoint %q: %v", e.Path, e.Err)
}

func (e *CheckpointLoadError) Unwrap() error {
	return e.Err
}

// Save writes the model's config and weights to path as JSON. The write is
// atomic, so a crash never leaves a truncated blob behind.
func (m *Model) Save(path string) error {
	data, err := json.Marshal(weightBlob{
		Version: blobVersion,
		Config:  m.cfg,
		Params:  m.state(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load reads a blob written by Save. The stored config must have the same
// shape as expect; the returned model keeps expect's seed and dropout rates.
// Every failure is a *CheckpointLoadError.
func Load(path string, expect Config) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CheckpointLoadError{Path: path, Err: err}
	}

	var blob weightBlob
	if err = json.Unmarshal(data, &blob); err != nil {
		return nil, &CheckpointLoadError{Path: path, Err: fmt.Errorf("corrupt blob: %w", err)}
	}
	if blob.Version != blobVersion {
		return nil, &CheckpointLoadError{Path: path, Err: fmt.Errorf("unsupported blob version %d", blob.Version)}
	}
	if !blob.Config.SameShape(expect) {
		return nil, &CheckpointLoadError{Path: path, Err: fmt.Errorf("model shape %+v does not match configured %+v", blob.Config, expect)}
	}

	m, err := New(expect)
	if err != nil {
		return nil, &CheckpointLoadError{Path: path, Err: err}
	}
	if err = m.setState(blob.Params); err != nil {
		return nil, &CheckpointLoadError{Path: path, Err: err}
	}
	return m, nil
}
