package training

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Default label-count bounds for binarized predictions.
const (
	DefaultMinLabels = 1
	DefaultMaxLabels = 10
)

// ArgsortRows returns, for each row, the class indices sorted ascending by
// probability. Equal probabilities keep ascending index order (stable sort),
// so among exact ties the highest class index occupies the top slot. This
// tie-breaking is deterministic and part of the binarization contract.
func ArgsortRows(probs *mat.Dense) [][]int {
	rows, cols := probs.Dims()
	argsorted := make([][]int, rows)
	for i := 0; i < rows; i++ {
		order := make([]int, cols)
		for j := range order {
			order[j] = j
		}
		row := probs.RawRowView(i)
		sort.SliceStable(order, func(a, b int) bool {
			return row[order[a]] < row[order[b]]
		})
		argsorted[i] = order
	}
	return argsorted
}

// BinarizePredictions converts a probability matrix into a 0/1 label matrix.
// Per row, the top maxLabels classes by probability form an upper-bound mask
// and the top minLabels classes a lower-bound mask; a class is selected iff
// it is within the upper mask and its probability exceeds the threshold, or
// it is within the lower mask. Every output row therefore carries between
// minLabels and maxLabels ones by construction.
//
// argsorted may be nil, in which case it is computed; callers evaluating
// many thresholds should compute it once with ArgsortRows and reuse it.
func BinarizePredictions(probs *mat.Dense, threshold float64, argsorted [][]int, minLabels, maxLabels int) (*mat.Dense, error) {
	rows, cols := probs.Dims()
	if minLabels < 1 || maxLabels < minLabels || maxLabels > cols {
		return nil, fmt.Errorf("invalid label bounds: min %d, max %d, classes %d", minLabels, maxLabels, cols)
	}
	if argsorted == nil {
		argsorted = ArgsortRows(probs)
	}
	if len(argsorted) != rows {
		return nil, fmt.Errorf("argsorted row count %d does not match probability rows %d", len(argsorted), rows)
	}

	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		order := argsorted[i]
		if len(order) != cols {
			return nil, fmt.Errorf("argsorted row %d has %d entries, expected %d", i, len(order), cols)
		}
		// Upper-bound mask: at most maxLabels classes may be selected.
		for _, j := range order[cols-maxLabels:] {
			if probs.At(i, j) > threshold {
				out.Set(i, j, 1)
			}
		}
		// Lower-bound mask: the top minLabels classes are always selected.
		for _, j := range order[cols-minLabels:] {
			out.Set(i, j, 1)
		}
	}
	return out, nil
}
