package training

import (
	"fmt"
)

// LRScheduler computes the learning rate as a pure function of the global
// optimizer step count. Schedulers carry no mutable state, so the schedule
// phase is fully restored by restoring the step counter from a checkpoint.
type LRScheduler interface {
	// GetLR returns the learning rate for the given optimizer step.
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// ParseScheduler resolves a scheduler name. "none" returns a nil scheduler,
// which enables the patience-based decay policy instead; the two are
// mutually exclusive. startStep anchors the linear schedule at the step the
// run (re)starts from.
func ParseScheduler(name string, scheduleLength, startStep int) (LRScheduler, error) {
	switch name {
	case "none":
		return nil, nil
	case "one_cycle":
		return NewOneCycleScheduler(scheduleLength)
	case "linear":
		return NewLinearScheduler(scheduleLength, startStep)
	default:
		return nil, fmt.Errorf("unknown scheduler: %q", name)
	}
}

// OneCycleScheduler ramps the learning rate from 0.1x to 1.0x of the base
// rate over the first Length steps, back down to 0.1x over the next Length
// steps, and decays slowly toward zero beyond that.
type OneCycleScheduler struct {
	Length int
}

// NewOneCycleScheduler creates a one-cycle scheduler over the given
// schedule length in optimizer steps.
func NewOneCycleScheduler(length int) (*OneCycleScheduler, error) {
	if length <= 0 {
		return nil, fmt.Errorf("schedule length must be positive, got %d", length)
	}
	return &OneCycleScheduler{Length: length}, nil
}

func (s *OneCycleScheduler) GetLR(step int, baseLR float64) float64 {
	slope := 0.9 / float64(s.Length)
	fstep := float64(step)
	length := float64(s.Length)
	var multiplier float64
	switch {
	case fstep < length:
		multiplier = slope*fstep + 0.1
	case fstep <= 2*length:
		multiplier = slope*(length-fstep) + 1
	default:
		multiplier = 0.1*slope*(2*length-fstep) + 0.1
	}
	return baseLR * multiplier
}

func (s *OneCycleScheduler) GetName() string {
	return "OneCycle"
}

// LinearScheduler decreases the learning rate linearly from 1.0x of the base
// rate at StartStep, reaching zero after Length further steps. The multiplier
// is deliberately unclamped and goes negative past that point; callers
// choosing this schedule are expected to size Length to the run.
type LinearScheduler struct {
	Length    int
	StartStep int
}

// NewLinearScheduler creates a linear schedule anchored at startStep.
func NewLinearScheduler(length, startStep int) (*LinearScheduler, error) {
	if length <= 0 {
		return nil, fmt.Errorf("schedule length must be positive, got %d", length)
	}
	return &LinearScheduler{Length: length, StartStep: startStep}, nil
}

func (s *LinearScheduler) GetLR(step int, baseLR float64) float64 {
	slope := 0.9 / float64(s.Length)
	return baseLR * (1 - slope*float64(step-s.StartStep))
}

func (s *LinearScheduler) GetName() string {
	return "Linear"
}

// ConstantScheduler keeps the learning rate at the base rate.
type ConstantScheduler struct{}

func (s *ConstantScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantScheduler) GetName() string {
	return "ConstantLR"
}

// PlateauDecayFactor is the divisor applied to the learning rate on each
// patience-triggered decay.
const PlateauDecayFactor = 5.0

// DecayDecision is the outcome of a plateau-decay check.
type DecayDecision int

const (
	// DecayNone leaves the learning rate unchanged.
	DecayNone DecayDecision = iota
	// DecayReduce divides the learning rate by PlateauDecayFactor and
	// requires the caller to rebuild the optimizer with fresh state.
	DecayReduce
	// DecayStop terminates training: the decay budget is exhausted. This is
	// a normal terminal transition, not an error.
	DecayStop
)

// PlateauDecay implements the patience-based learning-rate policy used when
// no schedule is configured: the rate is constant until validation loss has
// failed to reach a new minimum for more than Patience epochs since the last
// rate change, and even the best of the last Patience epochs is worse than
// the global best.
type PlateauDecay struct {
	Patience     int
	MaxLRChanges int

	lrResetEpoch int
	changes      int
}

// NewPlateauDecay creates the policy. startEpoch is the epoch training
// (re)starts from, anchoring the first patience window.
func NewPlateauDecay(patience, maxLRChanges, startEpoch int) *PlateauDecay {
	return &PlateauDecay{
		Patience:     patience,
		MaxLRChanges: maxLRChanges,
		lrResetEpoch: startEpoch,
	}
}

// Observe evaluates the policy after a non-improving epoch. validLosses is
// the full per-epoch history of the tracked validation quantity for this
// invocation; bestValidLoss is the global best.
func (p *PlateauDecay) Observe(epoch int, validLosses []float64, bestValidLoss float64) DecayDecision {
	if p.Patience <= 0 {
		return DecayNone
	}
	if epoch-p.lrResetEpoch <= p.Patience {
		return DecayNone
	}
	if len(validLosses) < p.Patience {
		return DecayNone
	}
	recent := validLosses[len(validLosses)-p.Patience:]
	recentBest := recent[0]
	for _, v := range recent[1:] {
		if v < recentBest {
			recentBest = v
		}
	}
	if recentBest <= bestValidLoss {
		return DecayNone
	}

	p.changes++
	if p.changes > p.MaxLRChanges {
		return DecayStop
	}
	p.lrResetEpoch = epoch
	return DecayReduce
}

// Changes returns the number of decay events so far, including the one that
// exhausted the budget.
func (p *PlateauDecay) Changes() int {
	return p.changes
}
