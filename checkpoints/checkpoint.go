// Package checkpoints persists and restores training progress.
//
// A checkpoint is a JSON record holding the model weights together with the
// training state (epoch, step, best validation loss). Writes are atomic:
// the record is written to a temporary file in the target directory, synced,
// and renamed into place, so an interrupted save can never be observed by
// Load.
package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ModelFile is the per-run checkpoint filename.
const ModelFile = "model.json"

// BestModelFile holds the best-scoring copy of the checkpoint record.
const BestModelFile = "best-model.json"

// WeightTensor represents a named model parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState captures the training progress stored alongside the weights.
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	Step          int     `json:"step"`
	BestValidLoss float64 `json:"best_valid_loss"`
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the complete persisted record.
type Checkpoint struct {
	Weights  []WeightTensor `json:"weights"`
	State    TrainingState  `json:"training_state"`
	Metadata Metadata       `json:"metadata"`
}

// Saver serializes checkpoints to disk in JSON format.
type Saver struct{}

// NewSaver creates a checkpoint saver.
func NewSaver() *Saver {
	return &Saver{}
}

// Save writes the checkpoint atomically to path.
func (s *Saver) Save(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "kaggle-imet-2019"
		checkpoint.Metadata.Version = "1.0.0"
	}
	checkpoint.Metadata.CreatedAt = time.Now()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %v", err)
	}
	tmpPath := tmp.Name()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint: %v", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish checkpoint: %v", err)
	}
	return nil
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// Manager owns the checkpoint files of one training run: the rolling
// per-epoch record and the promoted best-so-far copy.
type Manager struct {
	dir   string
	saver *Saver
}

// NewManager creates a checkpoint manager rooted at dir, creating the
// directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	return &Manager{dir: dir, saver: NewSaver()}, nil
}

// ModelPath returns the path of the rolling checkpoint.
func (m *Manager) ModelPath() string {
	return filepath.Join(m.dir, ModelFile)
}

// BestModelPath returns the path of the best-so-far checkpoint.
func (m *Manager) BestModelPath() string {
	return filepath.Join(m.dir, BestModelFile)
}

// Save writes the checkpoint to the rolling slot.
func (m *Manager) Save(checkpoint *Checkpoint) error {
	return m.saver.Save(checkpoint, m.ModelPath())
}

// Load restores the rolling checkpoint. A missing file is not an error:
// both return values are nil and training starts fresh.
func (m *Manager) Load() (*Checkpoint, error) {
	if _, err := os.Stat(m.ModelPath()); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return m.saver.Load(m.ModelPath())
}

// LoadBest restores the promoted best checkpoint.
func (m *Manager) LoadBest() (*Checkpoint, error) {
	return m.saver.Load(m.BestModelPath())
}

// PromoteBest copies the last saved checkpoint into the best slot. The copy
// goes through a temp file and rename so the best slot is never half-written.
func (m *Manager) PromoteBest() error {
	src, err := os.Open(m.ModelPath())
	if err != nil {
		return fmt.Errorf("failed to open checkpoint for promotion: %v", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(m.dir, BestModelFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for promotion: %v", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to copy checkpoint: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync best checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close best checkpoint: %v", err)
	}
	if err := os.Rename(tmpPath, m.BestModelPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish best checkpoint: %v", err)
	}
	return nil
}
