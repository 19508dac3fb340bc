package training

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Batch is one fully materialized batch of inputs and 0/1 targets.
type Batch struct {
	Inputs  *mat.Dense
	Targets *mat.Dense
}

// Loader produces batches in a stable, non-reordered sequence within an
// epoch. Next returns (nil, nil) when the epoch is exhausted; Reset starts a
// new epoch. The pull is blocking: a batch is fully materialized before the
// training loop sees it.
type Loader interface {
	Next() (*Batch, error)
	Len() int // number of batches per epoch
	Reset()
}

// SliceLoader batches an in-memory dataset held as an [items, features]
// input matrix and an [items, classes] target matrix, with optional
// per-epoch shuffling.
type SliceLoader struct {
	inputs    *mat.Dense
	targets   *mat.Dense
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	indices  []int
	position int
}

// NewSliceLoader creates a loader over the given matrices. seed drives the
// shuffle order so runs are reproducible.
func NewSliceLoader(inputs, targets *mat.Dense, batchSize int, shuffle bool, seed int64) (*SliceLoader, error) {
	rows, _ := inputs.Dims()
	targetRows, _ := targets.Dims()
	if rows != targetRows {
		return nil, fmt.Errorf("inputs have %d rows, targets have %d", rows, targetRows)
	}
	if rows == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, rows)
	for i := range indices {
		indices[i] = i
	}
	return &SliceLoader{
		inputs:    inputs,
		targets:   targets,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch.
func (l *SliceLoader) Len() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// Items returns the number of examples in the dataset.
func (l *SliceLoader) Items() int {
	return len(l.indices)
}

// Reset starts a new epoch, reshuffling if configured.
func (l *SliceLoader) Reset() {
	l.position = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
}

// Next returns the next batch, or (nil, nil) at the end of the epoch.
func (l *SliceLoader) Next() (*Batch, error) {
	if l.position >= len(l.indices) {
		return nil, nil
	}
	end := l.position + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	batchIndices := l.indices[l.position:end]
	l.position = end

	_, features := l.inputs.Dims()
	_, classes := l.targets.Dims()
	inputs := mat.NewDense(len(batchIndices), features, nil)
	targets := mat.NewDense(len(batchIndices), classes, nil)
	for i, idx := range batchIndices {
		inputs.SetRow(i, l.inputs.RawRowView(idx))
		targets.SetRow(i, l.targets.RawRowView(idx))
	}
	return &Batch{Inputs: inputs, Targets: targets}, nil
}

// LimitLoader caps an epoch at a fixed number of batches, implementing the
// epoch-size truncation of the underlying loader.
type LimitLoader struct {
	inner      Loader
	maxBatches int
	seen       int
}

// LimitBatches wraps a loader so each epoch yields at most maxBatches
// batches. A non-positive cap disables the limit.
func LimitBatches(inner Loader, maxBatches int) *LimitLoader {
	return &LimitLoader{inner: inner, maxBatches: maxBatches}
}

func (l *LimitLoader) Len() int {
	inner := l.inner.Len()
	if l.maxBatches > 0 && l.maxBatches < inner {
		return l.maxBatches
	}
	return inner
}

func (l *LimitLoader) Reset() {
	l.seen = 0
	l.inner.Reset()
}

func (l *LimitLoader) Next() (*Batch, error) {
	if l.maxBatches > 0 && l.seen >= l.maxBatches {
		return nil, nil
	}
	batch, err := l.inner.Next()
	if err != nil || batch == nil {
		return batch, err
	}
	l.seen++
	return batch, nil
}
