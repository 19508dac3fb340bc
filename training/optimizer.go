package training

import (
	"fmt"
	"math"
)

// Optimizer defines the methods that all optimizers must implement.
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// InitOptimizer constructs an optimizer over a parameter set. The plateau
// decay policy calls it again after each rate reduction: the replacement
// optimizer shares the parameters but starts with fresh internal state,
// deliberately discarding momentum and adaptive accumulators.
type InitOptimizer func(params []*Parameter, lr float64) Optimizer

// ParseOptimizer resolves an optimizer name to its factory.
func ParseOptimizer(name string) (InitOptimizer, error) {
	switch name {
	case "sgd":
		return func(params []*Parameter, lr float64) Optimizer {
			return NewSGD(params, lr)
		}, nil
	case "adam":
		return func(params []*Parameter, lr float64) Optimizer {
			return NewAdam(params, lr)
		}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer: %q", name)
	}
}

// SGD implements plain stochastic gradient descent, no momentum.
type SGD struct {
	params       []*Parameter
	learningRate float64
}

// NewSGD creates an SGD optimizer.
func NewSGD(params []*Parameter, lr float64) *SGD {
	return &SGD{params: params, learningRate: lr}
}

func (sgd *SGD) Step() error {
	for _, p := range sgd.params {
		for i := range p.Data {
			p.Data[i] -= sgd.learningRate * p.Grad[i]
		}
	}
	return nil
}

func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (sgd *SGD) GetLR() float64 {
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates.
type Adam struct {
	params       []*Parameter
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64

	step int
	m    [][]float64
	v    [][]float64
}

// NewAdam creates an Adam optimizer with the standard defaults
// (beta1 0.9, beta2 0.999, epsilon 1e-8).
func NewAdam(params []*Parameter, lr float64) *Adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p.Data))
		v[i] = make([]float64, len(p.Data))
	}
	return &Adam{
		params:       params,
		learningRate: lr,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		m:            m,
		v:            v,
	}
}

func (a *Adam) Step() error {
	a.step++
	correction1 := 1 - math.Pow(a.beta1, float64(a.step))
	correction2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, p := range a.params {
		for j := range p.Data {
			g := p.Grad[j]
			a.m[i][j] = a.beta1*a.m[i][j] + (1-a.beta1)*g
			a.v[i][j] = a.beta2*a.v[i][j] + (1-a.beta2)*g*g
			mHat := a.m[i][j] / correction1
			vHat := a.v[i][j] / correction2
			p.Data[j] -= a.learningRate * mHat / (math.Sqrt(vHat) + a.epsilon)
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (a *Adam) GetLR() float64 {
	return a.learningRate
}

func (a *Adam) SetLR(lr float64) {
	a.learningRate = lr
}
