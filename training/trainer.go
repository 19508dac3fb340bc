package training

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/daishironishida/kaggle-imet-2019/checkpoints"
)

// TrainResult is the terminal state of a training invocation. Interruption
// and decay-budget exhaustion are normal outcomes, not errors.
type TrainResult int

const (
	// ResultConverged means the configured epoch count completed.
	ResultConverged TrainResult = iota
	// ResultInterrupted means cancellation was observed between batches; a
	// snapshot of the current epoch was saved before returning.
	ResultInterrupted
	// ResultMaxLRChanges means the patience policy exhausted its decay
	// budget.
	ResultMaxLRChanges
)

func (r TrainResult) String() string {
	switch r {
	case ResultConverged:
		return "converged"
	case ResultInterrupted:
		return "interrupted"
	case ResultMaxLRChanges:
		return "max-lr-changes"
	default:
		return fmt.Sprintf("TrainResult(%d)", int(r))
	}
}

// TrackedMetric selects the validation quantity that drives best-checkpoint
// promotion and plateau decay.
type TrackedMetric int

const (
	// TrackLoss minimizes valid_loss.
	TrackLoss TrackedMetric = iota
	// TrackBestF2 maximizes valid_max_f2 (tracked internally as its
	// negation so lower is always better).
	TrackBestF2
)

// ParseTrackedMetric resolves a metric name.
func ParseTrackedMetric(name string) (TrackedMetric, error) {
	switch name {
	case "loss":
		return TrackLoss, nil
	case "best_f2":
		return TrackBestF2, nil
	default:
		return 0, fmt.Errorf("unknown metric: %q", name)
	}
}

// TrainerConfig holds configuration for a training run.
type TrainerConfig struct {
	Epochs            int     // Maximum epoch count
	AccumulationSteps int     // Optimizer step every N batches
	BatchSize         int     // Items per batch (for epoch-size truncation)
	EpochSize         int     // Optional item cap per epoch (0 = full loader)
	BaseLR            float64 // Base learning rate
	Patience          int     // Epochs without improvement before decay
	MaxLRChanges      int     // Decay budget of the patience policy
	Scheduler         string  // "none", "one_cycle" or "linear"
	ScheduleLength    int     // Schedule length L in optimizer steps
	Metric            TrackedMetric
	ReportEvery       int  // Log training loss every N batches
	Verbose           bool // Print epoch headers and metric reports
	RunID             string
}

// DefaultTrainerConfig mirrors the defaults of the reference runs.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:            100,
		AccumulationSteps: 1,
		BaseLR:            5e-5,
		Patience:          4,
		MaxLRChanges:      2,
		Scheduler:         "none",
		ReportEvery:       10000,
	}
}

// Trainer drives the epoch loop: forward/backward over batches with
// step-interval gradient accumulation, per-epoch validation and threshold
// search, checkpointing with best promotion, and learning-rate control via
// either a step schedule or the patience policy.
type Trainer struct {
	config        TrainerConfig
	model         Model
	criterion     Criterion
	trainLoader   Loader
	validLoader   Loader
	initOptimizer InitOptimizer
	evaluator     *Evaluator
	checkpoints   *checkpoints.Manager
	events        *EventLog

	epoch         int
	step          int
	bestValidLoss float64
	lr            float64
	optimizer     Optimizer
}

// NewTrainer validates the configuration and assembles a trainer. Unknown
// scheduler names and invalid accumulation intervals fail here, before any
// training occurs.
func NewTrainer(config TrainerConfig, model Model, criterion Criterion,
	trainLoader, validLoader Loader, initOptimizer InitOptimizer,
	evaluator *Evaluator, manager *checkpoints.Manager, events *EventLog) (*Trainer, error) {

	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epoch count must be positive, got %d", config.Epochs)
	}
	if config.AccumulationSteps <= 0 {
		config.AccumulationSteps = 1
	}
	if config.ReportEvery <= 0 {
		config.ReportEvery = 10000
	}
	// Resolve the scheduler once to reject unknown names up front; the
	// live instance is built after checkpoint restore so the linear
	// schedule anchors at the restored step.
	if _, err := ParseScheduler(config.Scheduler, max(config.ScheduleLength, 1), 0); err != nil {
		return nil, err
	}
	if config.Scheduler != "none" && config.ScheduleLength <= 0 {
		return nil, fmt.Errorf("scheduler %q requires a positive schedule length", config.Scheduler)
	}

	return &Trainer{
		config:        config,
		model:         model,
		criterion:     criterion,
		trainLoader:   trainLoader,
		validLoader:   validLoader,
		initOptimizer: initOptimizer,
		evaluator:     evaluator,
		checkpoints:   manager,
		events:        events,
	}, nil
}

// Train runs the loop until convergence, interruption, or decay-budget
// exhaustion. Cancelling ctx is observed between batches: the current
// (incomplete) epoch is checkpointed and ResultInterrupted returned.
func (t *Trainer) Train(ctx context.Context) (TrainResult, error) {
	if err := t.restore(); err != nil {
		return ResultConverged, err
	}

	t.lr = t.config.BaseLR
	t.optimizer = t.initOptimizer(t.model.Parameters(), t.lr)

	scheduler, err := ParseScheduler(t.config.Scheduler, t.config.ScheduleLength, t.step)
	if err != nil {
		return ResultConverged, err
	}
	if scheduler != nil {
		t.lr = scheduler.GetLR(t.step, t.config.BaseLR)
		t.optimizer.SetLR(t.lr)
	}

	plateau := NewPlateauDecay(t.config.Patience, t.config.MaxLRChanges, t.epoch)
	var validLosses []float64

	for ; t.epoch <= t.config.Epochs; t.epoch++ {
		interrupted, err := t.trainEpoch(ctx, scheduler)
		if err != nil {
			return ResultConverged, err
		}
		if interrupted {
			// Snapshot the incomplete epoch so a resumed run replays it
			// from the start.
			if err := t.save(t.epoch); err != nil {
				return ResultInterrupted, err
			}
			fmt.Println("interrupted, snapshot saved")
			return ResultInterrupted, nil
		}

		if err := t.save(t.epoch + 1); err != nil {
			return ResultConverged, err
		}

		metrics, err := t.Validate()
		if err != nil {
			return ResultConverged, err
		}
		if err := t.events.Write(t.epoch, t.step, t.lr, metrics); err != nil {
			return ResultConverged, err
		}
		if t.config.Verbose {
			fmt.Println(FormatMetrics(metrics))
		}

		validLoss := metrics["valid_loss"]
		if t.config.Metric == TrackBestF2 {
			validLoss = -metrics["valid_max_f2"]
		}
		validLosses = append(validLosses, validLoss)

		if validLoss < t.bestValidLoss {
			t.bestValidLoss = validLoss
			if err := t.checkpoints.PromoteBest(); err != nil {
				return ResultConverged, err
			}
		} else if scheduler == nil {
			switch plateau.Observe(t.epoch, validLosses, t.bestValidLoss) {
			case DecayStop:
				return ResultMaxLRChanges, nil
			case DecayReduce:
				t.lr /= PlateauDecayFactor
				fmt.Printf("lr updated to %g\n", t.lr)
				// Fresh optimizer over the same parameters: adaptive
				// state is discarded on purpose.
				t.optimizer = t.initOptimizer(t.model.Parameters(), t.lr)
			}
		}
	}
	return ResultConverged, nil
}

// Epoch returns the current epoch counter.
func (t *Trainer) Epoch() int { return t.epoch }

// Step returns the global optimizer step counter.
func (t *Trainer) Step() int { return t.step }

// BestValidLoss returns the best tracked validation quantity so far.
func (t *Trainer) BestValidLoss() float64 { return t.bestValidLoss }

// LR returns the current learning rate.
func (t *Trainer) LR() float64 { return t.lr }

func (t *Trainer) restore() error {
	checkpoint, err := t.checkpoints.Load()
	if err != nil {
		return fmt.Errorf("failed to restore checkpoint: %v", err)
	}
	if checkpoint == nil {
		t.epoch = 1
		t.step = 0
		t.bestValidLoss = math.Inf(1)
		return nil
	}
	if err := t.model.LoadWeights(checkpoint.Weights); err != nil {
		return fmt.Errorf("failed to restore weights: %v", err)
	}
	t.epoch = checkpoint.State.Epoch
	t.step = checkpoint.State.Step
	t.bestValidLoss = checkpoint.State.BestValidLoss
	return nil
}

func (t *Trainer) save(epoch int) error {
	return t.checkpoints.Save(&checkpoints.Checkpoint{
		Weights: t.model.ExportWeights(),
		State: checkpoints.TrainingState{
			Epoch:         epoch,
			Step:          t.step,
			BestValidLoss: t.bestValidLoss,
		},
		Metadata: checkpoints.Metadata{RunID: t.config.RunID},
	})
}

// trainEpoch runs the batch loop of one epoch. It reports whether the
// context was cancelled; cancellation is only observed between batches so
// the step counter stays consistent with completed work.
func (t *Trainer) trainEpoch(ctx context.Context, scheduler LRScheduler) (bool, error) {
	t.model.Train()
	if t.config.Verbose {
		fmt.Printf("Epoch %d, lr %.3g\n", t.epoch, t.lr)
	}

	loader := t.trainLoader
	if t.config.EpochSize > 0 && t.config.BatchSize > 0 {
		loader = LimitBatches(t.trainLoader, t.config.EpochSize/t.config.BatchSize)
	}
	loader.Reset()

	var losses []float64
	meanLoss := 0.0
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return true, nil
		default:
		}

		batch, err := loader.Next()
		if err != nil {
			return false, fmt.Errorf("failed to load batch: %v", err)
		}
		if batch == nil {
			break
		}

		logits, err := t.model.Forward(batch.Inputs)
		if err != nil {
			return false, fmt.Errorf("forward pass failed: %v", err)
		}
		lossMatrix, err := t.criterion.Forward(logits, batch.Targets)
		if err != nil {
			return false, fmt.Errorf("loss computation failed: %v", err)
		}
		loss := ReduceLoss(lossMatrix)

		// The backward gradient is d(sum of losses)/d(logits): the reduced
		// loss scaled back by batch size, keeping accumulated gradients
		// comparable across batch sizes.
		grad, err := t.criterion.Backward(logits, batch.Targets)
		if err != nil {
			return false, fmt.Errorf("loss gradient failed: %v", err)
		}
		if err := t.model.Backward(grad); err != nil {
			return false, fmt.Errorf("backward pass failed: %v", err)
		}

		if (i+1)%t.config.AccumulationSteps == 0 {
			if err := t.optimizer.Step(); err != nil {
				return false, fmt.Errorf("optimizer step failed: %v", err)
			}
			t.optimizer.ZeroGrad()
			t.step++
			if scheduler != nil {
				t.lr = scheduler.GetLR(t.step, t.config.BaseLR)
				t.optimizer.SetLR(t.lr)
			}
		}

		losses = append(losses, loss)
		meanLoss = tailMean(losses, t.config.ReportEvery)
		if i > 0 && i%t.config.ReportEvery == 0 {
			if err := t.events.Write(t.epoch, t.step, t.lr, map[string]float64{"loss": meanLoss}); err != nil {
				return false, err
			}
		}
	}

	return false, t.events.Write(t.epoch, t.step, t.lr, map[string]float64{"loss": meanLoss})
}

// Validate runs the model over the validation loader and returns the metric
// report: per-threshold F2 scores, their maximum, and the mean reduced loss.
func (t *Trainer) Validate() (map[string]float64, error) {
	t.model.Eval()
	t.validLoader.Reset()

	var losses []float64
	var probRows, targetRows [][]float64
	cols := 0
	for {
		batch, err := t.validLoader.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to load validation batch: %v", err)
		}
		if batch == nil {
			break
		}

		logits, err := t.model.Forward(batch.Inputs)
		if err != nil {
			return nil, fmt.Errorf("validation forward pass failed: %v", err)
		}
		lossMatrix, err := t.criterion.Forward(logits, batch.Targets)
		if err != nil {
			return nil, fmt.Errorf("validation loss failed: %v", err)
		}
		losses = append(losses, ReduceLoss(lossMatrix))

		probs := SigmoidMatrix(logits)
		rows, c := probs.Dims()
		cols = c
		for i := 0; i < rows; i++ {
			probRow := make([]float64, cols)
			copy(probRow, probs.RawRowView(i))
			probRows = append(probRows, probRow)

			targetRow := make([]float64, cols)
			copy(targetRow, batch.Targets.RawRowView(i))
			targetRows = append(targetRows, targetRow)
		}
	}
	if len(probRows) == 0 {
		return nil, fmt.Errorf("validation loader produced no batches")
	}

	probs := mat.NewDense(len(probRows), cols, nil)
	targets := mat.NewDense(len(targetRows), cols, nil)
	for i := range probRows {
		probs.SetRow(i, probRows[i])
		targets.SetRow(i, targetRows[i])
	}
	return t.evaluator.Evaluate(probs, targets, losses)
}

// tailMean averages the last n values (or all of them when fewer).
func tailMean(values []float64, n int) float64 {
	if len(values) == 0 {
		return 0
	}
	start := 0
	if len(values) > n {
		start = len(values) - n
	}
	var sum float64
	for _, v := range values[start:] {
		sum += v
	}
	return sum / float64(len(values)-start)
}
