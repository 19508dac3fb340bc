package training

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/daishironishida/kaggle-imet-2019/checkpoints"
)

// Parameter is a tunable model value with its accumulated gradient. The
// training loop is the sole writer of Data (via the optimizer) and the sole
// writer of Grad (via Model.Backward and Optimizer.ZeroGrad).
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParameter allocates a zero-initialized parameter.
func NewParameter(name string, shape []int) *Parameter {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Parameter{
		Name:  name,
		Shape: shape,
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Model is the trainable-model abstraction consumed by the training loop.
// The network architecture is an external concern: the loop only needs a
// differentiable map from a batch of inputs to per-class logits, access to
// the parameters, train/eval mode toggles, and a restorable weight blob.
type Model interface {
	// Forward maps a [batch, features] input matrix to [batch, classes]
	// logits.
	Forward(inputs *mat.Dense) (*mat.Dense, error)

	// Backward accumulates parameter gradients from the gradient of the
	// summed loss with respect to the logits of the last Forward call.
	Backward(grad *mat.Dense) error

	// Parameters returns the tunable values updated by the optimizer.
	Parameters() []*Parameter

	// Train and Eval toggle training-time behavior (dropout and the like).
	Train()
	Eval()

	// ExportWeights and LoadWeights convert between the live parameters and
	// the persisted checkpoint representation.
	ExportWeights() []checkpoints.WeightTensor
	LoadWeights(weights []checkpoints.WeightTensor) error
}

// LinearModel is a minimal Model: logits = inputs*W + b. It exists so the
// loop, CLI, and tests have a concrete collaborator; real runs plug in an
// external backbone behind the same interface.
type LinearModel struct {
	InFeatures int
	NumClasses int

	weight *Parameter // [InFeatures, NumClasses]
	bias   *Parameter // [NumClasses]

	lastInputs *mat.Dense
	training   bool
}

// NewLinearModel creates a zero-initialized linear model.
func NewLinearModel(inFeatures, numClasses int) (*LinearModel, error) {
	if inFeatures <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("invalid model dimensions: %d features, %d classes", inFeatures, numClasses)
	}
	return &LinearModel{
		InFeatures: inFeatures,
		NumClasses: numClasses,
		weight:     NewParameter("linear.weight", []int{inFeatures, numClasses}),
		bias:       NewParameter("linear.bias", []int{numClasses}),
	}, nil
}

func (m *LinearModel) Forward(inputs *mat.Dense) (*mat.Dense, error) {
	rows, cols := inputs.Dims()
	if cols != m.InFeatures {
		return nil, fmt.Errorf("input has %d features, model expects %d", cols, m.InFeatures)
	}
	logits := mat.NewDense(rows, m.NumClasses, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < m.NumClasses; j++ {
			sum := m.bias.Data[j]
			for k := 0; k < m.InFeatures; k++ {
				sum += inputs.At(i, k) * m.weight.Data[k*m.NumClasses+j]
			}
			logits.Set(i, j, sum)
		}
	}
	m.lastInputs = inputs
	return logits, nil
}

func (m *LinearModel) Backward(grad *mat.Dense) error {
	if m.lastInputs == nil {
		return fmt.Errorf("backward called before forward")
	}
	rows, cols := grad.Dims()
	inRows, _ := m.lastInputs.Dims()
	if rows != inRows || cols != m.NumClasses {
		return fmt.Errorf("gradient shape %dx%d does not match logits %dx%d", rows, cols, inRows, m.NumClasses)
	}
	// Gradients accumulate across calls until the optimizer resets them,
	// which is what makes step-interval accumulation work.
	for i := 0; i < rows; i++ {
		for j := 0; j < m.NumClasses; j++ {
			g := grad.At(i, j)
			m.bias.Grad[j] += g
			for k := 0; k < m.InFeatures; k++ {
				m.weight.Grad[k*m.NumClasses+j] += m.lastInputs.At(i, k) * g
			}
		}
	}
	return nil
}

func (m *LinearModel) Parameters() []*Parameter {
	return []*Parameter{m.weight, m.bias}
}

func (m *LinearModel) Train() { m.training = true }
func (m *LinearModel) Eval()  { m.training = false }

func (m *LinearModel) ExportWeights() []checkpoints.WeightTensor {
	params := m.Parameters()
	weights := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		data := make([]float64, len(p.Data))
		copy(data, p.Data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		weights[i] = checkpoints.WeightTensor{Name: p.Name, Shape: shape, Data: data}
	}
	return weights
}

func (m *LinearModel) LoadWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range m.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing weight %s", p.Name)
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("weight %s has %d values, expected %d", p.Name, len(w.Data), len(p.Data))
		}
		copy(p.Data, w.Data)
	}
	return nil
}
