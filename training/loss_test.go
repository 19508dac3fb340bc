package training

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestReduceLoss(t *testing.T) {
	// Three identical per-sample rows: the reduced value equals one row's sum.
	loss := mat.NewDense(3, 3, []float64{
		1, 2, 3,
		1, 2, 3,
		1, 2, 3,
	})
	if got := ReduceLoss(loss); math.Abs(got-6) > 1e-12 {
		t.Errorf("expected 6, got %f", got)
	}

	// Doubling every value doubles the reduced scalar.
	doubled := mat.NewDense(3, 3, nil)
	doubled.Scale(2, loss)
	if got := ReduceLoss(doubled); math.Abs(got-12) > 1e-12 {
		t.Errorf("expected 12, got %f", got)
	}

	// Batch-size invariance: repeating the same row changes nothing.
	single := mat.NewDense(1, 3, []float64{1, 2, 3})
	if got := ReduceLoss(single); math.Abs(got-ReduceLoss(loss)) > 1e-12 {
		t.Errorf("reduction is not batch-size invariant: %f vs %f", got, ReduceLoss(loss))
	}
}

func TestParseLossMode(t *testing.T) {
	tests := []struct {
		name    string
		want    LossMode
		wantErr bool
	}{
		{"bce", LossBCE, false},
		{"focal", LossFocal, false},
		{"hinge", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		mode, err := ParseLossMode(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLossMode(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLossMode(%q): unexpected error: %v", tt.name, err)
		}
		if mode != tt.want {
			t.Errorf("ParseLossMode(%q): expected %v, got %v", tt.name, tt.want, mode)
		}
	}
}

func TestLossModeThresholds(t *testing.T) {
	bce := LossBCE.Thresholds()
	if len(bce) != 8 || bce[0] != 0.05 || bce[len(bce)-1] != 0.12 {
		t.Errorf("unexpected bce thresholds: %v", bce)
	}
	focal := LossFocal.Thresholds()
	if len(focal) != 8 || focal[0] != 0.20 || focal[len(focal)-1] != 0.34 {
		t.Errorf("unexpected focal thresholds: %v", focal)
	}
}

func TestBCEWithLogitsForward(t *testing.T) {
	criterion := &BCEWithLogitsLoss{}
	logits := mat.NewDense(1, 3, []float64{0, 2, -2})
	targets := mat.NewDense(1, 3, []float64{0, 1, 0})

	loss, err := criterion.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	expected := []float64{
		math.Log(2),                  // x=0, t=0
		math.Log1p(math.Exp(-2)),     // x=2, t=1
		math.Log1p(math.Exp(-2)),     // x=-2, t=0 (symmetric)
	}
	for j, want := range expected {
		if got := loss.At(0, j); math.Abs(got-want) > 1e-12 {
			t.Errorf("element %d: expected %f, got %f", j, want, got)
		}
	}
}

func TestBCEWithLogitsBackward(t *testing.T) {
	criterion := &BCEWithLogitsLoss{}
	logits := mat.NewDense(1, 2, []float64{0, 2})
	targets := mat.NewDense(1, 2, []float64{0, 1})

	grad, err := criterion.Backward(logits, targets)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if got := grad.At(0, 0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("grad[0]: expected 0.5, got %f", got)
	}
	want := sigmoid(2) - 1
	if got := grad.At(0, 1); math.Abs(got-want) > 1e-12 {
		t.Errorf("grad[1]: expected %f, got %f", want, got)
	}
}

func TestBCEShapeMismatch(t *testing.T) {
	criterion := &BCEWithLogitsLoss{}
	logits := mat.NewDense(2, 3, nil)
	targets := mat.NewDense(2, 2, nil)
	if _, err := criterion.Forward(logits, targets); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestFocalLossForward(t *testing.T) {
	criterion := NewFocalLoss(2.0, 0.25)
	logits := mat.NewDense(1, 1, []float64{0})
	targets := mat.NewDense(1, 1, []float64{1})

	loss, err := criterion.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// At x=0, t=1: bce = log 2, modulating weight = 0.25 * 0.5^2.
	want := 0.25 * 0.25 * math.Log(2)
	if got := loss.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Errorf("expected %f, got %f", want, got)
	}
}

func TestFocalLossExtremeLogitsFinite(t *testing.T) {
	criterion := NewFocalLoss(2.0, 0.25)
	logits := mat.NewDense(2, 2, []float64{50, -50, 200, -200})
	targets := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	loss, err := criterion.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad, err := criterion.Backward(logits, targets)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.IsNaN(loss.At(i, j)) || math.IsInf(loss.At(i, j), 0) {
				t.Errorf("loss[%d,%d] is not finite: %f", i, j, loss.At(i, j))
			}
			if math.IsNaN(grad.At(i, j)) || math.IsInf(grad.At(i, j), 0) {
				t.Errorf("grad[%d,%d] is not finite: %f", i, j, grad.At(i, j))
			}
		}
	}
}

func TestFocalLossGradientMatchesFiniteDifference(t *testing.T) {
	criterion := NewFocalLoss(2.0, 0.25)
	logits := mat.NewDense(2, 3, []float64{0.3, -1.2, 2.5, -0.7, 0.0, 1.1})
	targets := mat.NewDense(2, 3, []float64{1, 0, 1, 0, 1, 0})

	grad, err := criterion.Backward(logits, targets)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const h = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			orig := logits.At(i, j)

			logits.Set(i, j, orig+h)
			plus, err := criterion.Forward(logits, targets)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			logits.Set(i, j, orig-h)
			minus, err := criterion.Forward(logits, targets)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			logits.Set(i, j, orig)

			numeric := (mat.Sum(plus) - mat.Sum(minus)) / (2 * h)
			if math.Abs(grad.At(i, j)-numeric) > 1e-5 {
				t.Errorf("grad[%d,%d]: analytic %f, numeric %f", i, j, grad.At(i, j), numeric)
			}
		}
	}
}

func TestNewCriterion(t *testing.T) {
	if _, err := NewCriterion(LossBCE); err != nil {
		t.Errorf("NewCriterion(bce) failed: %v", err)
	}
	criterion, err := NewCriterion(LossFocal)
	if err != nil {
		t.Fatalf("NewCriterion(focal) failed: %v", err)
	}
	focal, ok := criterion.(*FocalLoss)
	if !ok {
		t.Fatalf("expected *FocalLoss, got %T", criterion)
	}
	if focal.Gamma != 2.0 || focal.Alpha != 0.25 {
		t.Errorf("unexpected focal parameters: gamma %f, alpha %f", focal.Gamma, focal.Alpha)
	}
}

func TestSigmoidMatrix(t *testing.T) {
	logits := mat.NewDense(1, 3, []float64{0, 100, -100})
	probs := SigmoidMatrix(logits)
	if got := probs.At(0, 0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("sigmoid(0): expected 0.5, got %f", got)
	}
	if got := probs.At(0, 1); got <= 0.999 || got > 1 {
		t.Errorf("sigmoid(100): expected near 1, got %f", got)
	}
	if got := probs.At(0, 2); got < 0 || got >= 0.001 {
		t.Errorf("sigmoid(-100): expected near 0, got %f", got)
	}
}
