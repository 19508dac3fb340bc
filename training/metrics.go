package training

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// FBetaSamples computes the sample-averaged F-beta score of a 0/1 prediction
// matrix against a 0/1 target matrix. The score is computed per row and then
// averaged across rows. A row with no true and no predicted positives has an
// undefined score; it contributes 0 and never raises.
func FBetaSamples(targets, preds *mat.Dense, beta float64) (float64, error) {
	if err := checkSameShape(targets, preds); err != nil {
		return 0, err
	}
	rows, cols := targets.Dims()
	if rows == 0 {
		return 0, fmt.Errorf("cannot score an empty matrix")
	}

	beta2 := beta * beta
	var total float64
	for i := 0; i < rows; i++ {
		var tp, fp, fn float64
		for j := 0; j < cols; j++ {
			predicted := preds.At(i, j) > 0.5
			actual := targets.At(i, j) > 0.5
			switch {
			case predicted && actual:
				tp++
			case predicted && !actual:
				fp++
			case !predicted && actual:
				fn++
			}
		}
		denom := (1+beta2)*tp + beta2*fn + fp
		if denom > 0 {
			total += (1 + beta2) * tp / denom
		}
	}
	return total / float64(rows), nil
}

// Evaluator scores validation predictions: it binarizes the probability
// matrix at each candidate threshold of the loss mode's calibration table,
// computes the sample-averaged F2 for each, and reports the per-threshold
// scores, their maximum, and the mean reduced loss.
type Evaluator struct {
	Mode       LossMode
	NumClasses int
	MinLabels  int
	MaxLabels  int
}

// NewEvaluator creates an evaluator with the default label-count bounds.
func NewEvaluator(mode LossMode, numClasses int) *Evaluator {
	return &Evaluator{
		Mode:       mode,
		NumClasses: numClasses,
		MinLabels:  DefaultMinLabels,
		MaxLabels:  DefaultMaxLabels,
	}
}

// Evaluate computes the validation metrics for one epoch. losses holds the
// reduced loss of each validation batch; its mean is reported as valid_loss.
func (e *Evaluator) Evaluate(probs, targets *mat.Dense, losses []float64) (map[string]float64, error) {
	rows, cols := probs.Dims()
	if cols != e.NumClasses {
		return nil, fmt.Errorf("probability matrix has %d columns, expected %d classes", cols, e.NumClasses)
	}
	tr, tc := targets.Dims()
	if tr != rows || tc != cols {
		return nil, fmt.Errorf("target shape %dx%d does not match predictions %dx%d", tr, tc, rows, cols)
	}

	maxLabels := e.MaxLabels
	if maxLabels > cols {
		maxLabels = cols
	}

	metrics := make(map[string]float64)
	argsorted := ArgsortRows(probs)
	maxF2 := 0.0
	for _, threshold := range e.Mode.Thresholds() {
		preds, err := BinarizePredictions(probs, threshold, argsorted, e.MinLabels, maxLabels)
		if err != nil {
			return nil, err
		}
		score, err := FBetaSamples(targets, preds, 2)
		if err != nil {
			return nil, err
		}
		metrics[fmt.Sprintf("valid_f2_th_%.2f", threshold)] = score
		if score > maxF2 {
			maxF2 = score
		}
	}
	metrics["valid_max_f2"] = maxF2

	var lossSum float64
	for _, l := range losses {
		lossSum += l
	}
	if len(losses) > 0 {
		metrics["valid_loss"] = lossSum / float64(len(losses))
	} else {
		metrics["valid_loss"] = 0
	}
	return metrics, nil
}

// FormatMetrics renders a metric report sorted by descending value.
func FormatMetrics(metrics map[string]float64) string {
	type entry struct {
		name  string
		value float64
	}
	entries := make([]entry, 0, len(metrics))
	for name, value := range metrics {
		entries = append(entries, entry{name, value})
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].value != entries[b].value {
			return entries[a].value > entries[b].value
		}
		return entries[a].name < entries[b].name
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s %.3f", e.name, e.value)
	}
	return strings.Join(parts, " | ")
}
