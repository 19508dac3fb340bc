package training

import (
	"math"
	"testing"
)

func TestOneCycleScheduler(t *testing.T) {
	const length = 100
	scheduler, err := NewOneCycleScheduler(length)
	if err != nil {
		t.Fatalf("NewOneCycleScheduler failed: %v", err)
	}
	baseLR := 0.01

	tests := []struct {
		step       int
		multiplier float64
	}{
		{0, 0.1},
		{length / 2, 0.55},
		{length, 1.0},
		{3 * length / 2, 0.55},
		{2 * length, 0.1},
		{3 * length, 0.01}, // slow decay past the cycle
	}
	for _, tt := range tests {
		want := baseLR * tt.multiplier
		if got := scheduler.GetLR(tt.step, baseLR); math.Abs(got-want) > 1e-12 {
			t.Errorf("step %d: expected LR %f, got %f", tt.step, want, got)
		}
	}
}

func TestLinearScheduler(t *testing.T) {
	scheduler, err := NewLinearScheduler(10, 0)
	if err != nil {
		t.Fatalf("NewLinearScheduler failed: %v", err)
	}
	baseLR := 1.0

	tests := []struct {
		step int
		want float64
	}{
		{0, 1.0},
		{5, 0.55},
		{10, 0.1},
		{20, -0.8}, // unclamped past the schedule, by contract
	}
	for _, tt := range tests {
		if got := scheduler.GetLR(tt.step, baseLR); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("step %d: expected LR %f, got %f", tt.step, tt.want, got)
		}
	}
}

func TestLinearSchedulerAnchoredAtStartStep(t *testing.T) {
	scheduler, err := NewLinearScheduler(10, 50)
	if err != nil {
		t.Fatalf("NewLinearScheduler failed: %v", err)
	}
	if got := scheduler.GetLR(50, 1.0); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("at anchor step: expected 1.0, got %f", got)
	}
	if got := scheduler.GetLR(60, 1.0); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("anchor+length: expected 0.1, got %f", got)
	}
}

func TestParseScheduler(t *testing.T) {
	if s, err := ParseScheduler("none", 0, 0); err != nil || s != nil {
		t.Errorf("\"none\" should resolve to a nil scheduler, got %v, %v", s, err)
	}
	if _, err := ParseScheduler("one_cycle", 100, 0); err != nil {
		t.Errorf("one_cycle failed: %v", err)
	}
	if _, err := ParseScheduler("linear", 100, 42); err != nil {
		t.Errorf("linear failed: %v", err)
	}
	if _, err := ParseScheduler("cosine", 100, 0); err == nil {
		t.Error("expected error for unknown scheduler")
	}
	if _, err := ParseScheduler("one_cycle", 0, 0); err == nil {
		t.Error("expected error for non-positive schedule length")
	}
}

func TestConstantScheduler(t *testing.T) {
	scheduler := &ConstantScheduler{}
	for _, step := range []int{0, 100, 100000} {
		if got := scheduler.GetLR(step, 0.005); got != 0.005 {
			t.Errorf("step %d: expected 0.005, got %f", step, got)
		}
	}
}

func TestSchedulerNames(t *testing.T) {
	oneCycle, _ := NewOneCycleScheduler(10)
	linear, _ := NewLinearScheduler(10, 0)
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{oneCycle, "OneCycle"},
		{linear, "Linear"},
		{&ConstantScheduler{}, "ConstantLR"},
	}
	for _, tt := range tests {
		if name := tt.scheduler.GetName(); name != tt.expected {
			t.Errorf("expected name %s, got %s", tt.expected, name)
		}
	}
}

func TestPlateauDecaySingleEvent(t *testing.T) {
	// patience=2: epoch 1 improves (best 1.0), epochs 2-4 do not. The decay
	// must fire exactly once, on the third non-improving epoch.
	plateau := NewPlateauDecay(2, 2, 1)
	best := 1.0
	history := []float64{1.0}

	decisions := []DecayDecision{}
	for epoch := 2; epoch <= 4; epoch++ {
		history = append(history, 1.0+0.1*float64(epoch))
		decisions = append(decisions, plateau.Observe(epoch, history, best))
	}

	want := []DecayDecision{DecayNone, DecayNone, DecayReduce}
	for i, d := range decisions {
		if d != want[i] {
			t.Errorf("epoch %d: expected decision %v, got %v", i+2, want[i], d)
		}
	}
	if plateau.Changes() != 1 {
		t.Errorf("expected 1 decay event, got %d", plateau.Changes())
	}
}

func TestPlateauDecayRecentImprovementBlocksDecay(t *testing.T) {
	// A loss within the patience window at or below the global best defers
	// the decay even when the window has elapsed.
	plateau := NewPlateauDecay(2, 2, 1)
	best := 1.0
	history := []float64{1.0, 1.2, 1.3, 1.0}
	if d := plateau.Observe(4, history, best); d != DecayNone {
		t.Errorf("expected DecayNone, got %v", d)
	}
}

func TestPlateauDecayBudgetExhaustion(t *testing.T) {
	// patience=1, budget=2: the third qualifying event must stop training.
	plateau := NewPlateauDecay(1, 2, 1)
	best := 1.0
	history := []float64{1.0}

	var stopped bool
	var reduces int
	for epoch := 2; epoch <= 10 && !stopped; epoch++ {
		history = append(history, 1.0+0.1*float64(epoch))
		switch plateau.Observe(epoch, history, best) {
		case DecayReduce:
			reduces++
		case DecayStop:
			stopped = true
		}
	}

	if !stopped {
		t.Fatal("expected DecayStop after the budget is exhausted")
	}
	if reduces != 2 {
		t.Errorf("expected 2 reductions before stopping, got %d", reduces)
	}
	if plateau.Changes() != 3 {
		t.Errorf("expected 3 recorded events including the stop, got %d", plateau.Changes())
	}
}

func TestPlateauDecayDisabled(t *testing.T) {
	plateau := NewPlateauDecay(0, 2, 1)
	if d := plateau.Observe(100, []float64{5, 5, 5, 5}, 1.0); d != DecayNone {
		t.Errorf("patience 0 must disable decay, got %v", d)
	}
}
