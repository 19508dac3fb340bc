// Package training implements the training-orchestration core for the
// multi-label classifier: loss computation, label binarization, threshold
// search, learning-rate control, and the resumable epoch loop.
package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LossMode selects the loss formulation. It is resolved once at startup;
// an unknown mode string is a configuration error before training begins.
type LossMode int

const (
	LossBCE LossMode = iota
	LossFocal
)

// ParseLossMode resolves a loss mode name.
func ParseLossMode(name string) (LossMode, error) {
	switch name {
	case "bce":
		return LossBCE, nil
	case "focal":
		return LossFocal, nil
	default:
		return 0, fmt.Errorf("unknown loss mode: %q", name)
	}
}

func (m LossMode) String() string {
	switch m {
	case LossBCE:
		return "bce"
	case LossFocal:
		return "focal"
	default:
		return fmt.Sprintf("LossMode(%d)", int(m))
	}
}

// Thresholds returns the candidate decision thresholds calibrated for this
// loss mode. The sets differ because the two formulations produce
// systematically different probability scales.
func (m LossMode) Thresholds() []float64 {
	switch m {
	case LossBCE:
		return []float64{0.05, 0.06, 0.07, 0.08, 0.09, 0.10, 0.11, 0.12}
	case LossFocal:
		return []float64{0.20, 0.22, 0.24, 0.26, 0.28, 0.30, 0.32, 0.34}
	default:
		return []float64{0.05, 0.10, 0.15, 0.20, 0.25, 0.30, 0.35, 0.40}
	}
}

// Criterion defines a per-element loss over logits and 0/1 targets.
// Forward returns the [batch, classes] matrix of element losses; Backward
// returns the gradient of the summed loss with respect to the logits.
type Criterion interface {
	Forward(logits, targets *mat.Dense) (*mat.Dense, error)
	Backward(logits, targets *mat.Dense) (*mat.Dense, error)
}

// NewCriterion constructs the criterion for a loss mode.
func NewCriterion(mode LossMode) (Criterion, error) {
	switch mode {
	case LossBCE:
		return &BCEWithLogitsLoss{}, nil
	case LossFocal:
		return NewFocalLoss(2.0, 0.25), nil
	default:
		return nil, fmt.Errorf("no criterion for loss mode %s", mode)
	}
}

// ReduceLoss reduces a per-element loss matrix to a scalar normalized by
// batch size: sum over all elements divided by the number of rows. The
// normalization is batch-size-invariant so gradient accumulation across
// variable batch sizes stays comparable.
func ReduceLoss(loss *mat.Dense) float64 {
	rows, _ := loss.Dims()
	return mat.Sum(loss) / float64(rows)
}

// BCEWithLogitsLoss is binary cross-entropy computed directly on logits,
// using the log-sum-exp form to avoid overflow.
type BCEWithLogitsLoss struct{}

// Forward computes max(x,0) - x*t + log(1 + exp(-|x|)) per element.
func (l *BCEWithLogitsLoss) Forward(logits, targets *mat.Dense) (*mat.Dense, error) {
	if err := checkSameShape(logits, targets); err != nil {
		return nil, err
	}
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x := logits.At(i, j)
			t := targets.At(i, j)
			out.Set(i, j, math.Max(x, 0)-x*t+math.Log1p(math.Exp(-math.Abs(x))))
		}
	}
	return out, nil
}

// Backward computes sigmoid(x) - t, the gradient of the summed loss.
func (l *BCEWithLogitsLoss) Backward(logits, targets *mat.Dense) (*mat.Dense, error) {
	if err := checkSameShape(logits, targets); err != nil {
		return nil, err
	}
	rows, cols := logits.Dims()
	grad := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			grad.Set(i, j, sigmoid(logits.At(i, j))-targets.At(i, j))
		}
	}
	return grad, nil
}

// FocalLoss down-weights easy examples: per element,
// alpha * (1 - p_t)^gamma * bce(x, t), with (1 - p_t) expressed as
// sigmoid(-x * (2t - 1)) for stability.
type FocalLoss struct {
	Gamma float64
	Alpha float64
}

// NewFocalLoss creates a focal loss with the given focusing and balance
// parameters.
func NewFocalLoss(gamma, alpha float64) *FocalLoss {
	return &FocalLoss{Gamma: gamma, Alpha: alpha}
}

func (l *FocalLoss) Forward(logits, targets *mat.Dense) (*mat.Dense, error) {
	if err := checkSameShape(logits, targets); err != nil {
		return nil, err
	}
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x := logits.At(i, j)
			t := targets.At(i, j)
			bce := math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
			sign := 2*t - 1
			weight := l.Alpha * math.Exp(l.Gamma*logSigmoid(-x*sign))
			out.Set(i, j, weight*bce)
		}
	}
	return out, nil
}

func (l *FocalLoss) Backward(logits, targets *mat.Dense) (*mat.Dense, error) {
	if err := checkSameShape(logits, targets); err != nil {
		return nil, err
	}
	rows, cols := logits.Dims()
	grad := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x := logits.At(i, j)
			t := targets.At(i, j)
			sign := 2*t - 1
			bce := math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
			q := sigmoid(-x * sign) // 1 - p_t
			weight := l.Alpha * math.Pow(q, l.Gamma)
			dWeight := -l.Alpha * l.Gamma * sign * math.Pow(q, l.Gamma) * (1 - q)
			dBCE := sigmoid(x) - t
			grad.Set(i, j, dWeight*bce+weight*dBCE)
		}
	}
	return grad, nil
}

// SigmoidMatrix squashes a logit matrix into probabilities in (0,1).
func SigmoidMatrix(logits *mat.Dense) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, sigmoid(logits.At(i, j)))
		}
	}
	return out
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// logSigmoid computes log(sigmoid(z)) without overflow for large |z|.
func logSigmoid(z float64) float64 {
	return math.Min(z, 0) - math.Log1p(math.Exp(-math.Abs(z)))
}

func checkSameShape(a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return fmt.Errorf("shape mismatch: logits %dx%d, targets %dx%d", ar, ac, br, bc)
	}
	return nil
}
