// Command imet trains and validates a multi-label classifier over a
// preprocessed feature dataset. Each invocation operates on a run directory
// that accumulates the event log, run parameters, and checkpoints, so an
// interrupted run can be resumed by invoking train again.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/daishironishida/kaggle-imet-2019/checkpoints"
	"github.com/daishironishida/kaggle-imet-2019/training"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "imet: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("imet", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(flags.Output(), "usage: imet [flags] {train|validate} RUN_DIR")
		flags.PrintDefaults()
	}

	var (
		dataPath       = flags.String("data", "dataset.json", "JSON dataset with train and valid splits")
		lr             = flags.Float64("lr", 5e-5, "base learning rate")
		batchSize      = flags.Int("batch-size", 64, "items per batch")
		step           = flags.Int("step", 1, "gradient accumulation interval in batches")
		patience       = flags.Int("patience", 4, "epochs without improvement before a decay")
		nEpochs        = flags.Int("n-epochs", 100, "maximum epoch count")
		epochSize      = flags.Int("epoch-size", 0, "optional item cap per epoch (0 = full dataset)")
		lossName       = flags.String("loss", "bce", "loss mode: bce or focal")
		schedulerName  = flags.String("scheduler", "none", "lr schedule: none, one_cycle or linear")
		scheduleLength = flags.Int("schedule-length", 0, "schedule length in optimizer steps")
		metricName     = flags.String("metric", "loss", "tracked validation metric: loss or best_f2")
		optimName      = flags.String("optim", "adam", "optimizer: adam or sgd")
		verbose        = flags.Bool("verbose", false, "print epoch headers and metric reports")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		flags.Usage()
		return fmt.Errorf("expected a mode and a run directory")
	}
	mode := flags.Arg(0)
	runDir := flags.Arg(1)

	data, err := loadDataset(*dataPath)
	if err != nil {
		return err
	}
	trainInputs, trainTargets, err := data.Train.matrices()
	if err != nil {
		return fmt.Errorf("train split: %v", err)
	}
	validInputs, validTargets, err := data.Valid.matrices()
	if err != nil {
		return fmt.Errorf("valid split: %v", err)
	}
	_, features := trainInputs.Dims()
	_, classes := trainTargets.Dims()

	lossMode, err := training.ParseLossMode(*lossName)
	if err != nil {
		return err
	}
	criterion, err := training.NewCriterion(lossMode)
	if err != nil {
		return err
	}
	metric, err := training.ParseTrackedMetric(*metricName)
	if err != nil {
		return err
	}
	initOptimizer, err := training.ParseOptimizer(*optimName)
	if err != nil {
		return err
	}
	model, err := training.NewLinearModel(features, classes)
	if err != nil {
		return err
	}
	manager, err := checkpoints.NewManager(runDir)
	if err != nil {
		return err
	}

	trainLoader, err := training.NewSliceLoader(trainInputs, trainTargets, *batchSize, true, 42)
	if err != nil {
		return fmt.Errorf("train loader: %v", err)
	}
	validLoader, err := training.NewSliceLoader(validInputs, validTargets, *batchSize, false, 0)
	if err != nil {
		return fmt.Errorf("valid loader: %v", err)
	}

	config := training.TrainerConfig{
		Epochs:            *nEpochs,
		AccumulationSteps: *step,
		BatchSize:         *batchSize,
		EpochSize:         *epochSize,
		BaseLR:            *lr,
		Patience:          *patience,
		MaxLRChanges:      2,
		Scheduler:         *schedulerName,
		ScheduleLength:    *scheduleLength,
		Metric:            metric,
		ReportEvery:       10000,
		Verbose:           *verbose,
		RunID:             uuid.NewString(),
	}

	events, err := training.NewEventLog(runDir)
	if err != nil {
		return err
	}
	defer events.Close()

	evaluator := training.NewEvaluator(lossMode, classes)
	trainer, err := training.NewTrainer(config, model, criterion, trainLoader, validLoader,
		initOptimizer, evaluator, manager, events)
	if err != nil {
		return err
	}

	switch mode {
	case "train":
		params := map[string]interface{}{
			"run_id":          config.RunID,
			"lr":              *lr,
			"batch_size":      *batchSize,
			"step":            *step,
			"patience":        *patience,
			"n_epochs":        *nEpochs,
			"epoch_size":      *epochSize,
			"loss":            *lossName,
			"scheduler":       *schedulerName,
			"schedule_length": *scheduleLength,
			"metric":          *metricName,
			"optim":           *optimName,
		}
		if err := training.WriteRunParams(runDir, params); err != nil {
			return err
		}

		// Ctrl-C cancels between batches; the trainer snapshots the current
		// epoch before returning.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		result, err := trainer.Train(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("training finished: %s\n", result)
		return nil

	case "validate":
		checkpoint, err := manager.LoadBest()
		if err != nil {
			// Fall back to the rolling checkpoint when nothing was promoted.
			checkpoint, err = manager.Load()
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %v", err)
			}
		}
		if checkpoint == nil {
			return fmt.Errorf("no checkpoint in %s", runDir)
		}
		if err := model.LoadWeights(checkpoint.Weights); err != nil {
			return err
		}
		metrics, err := trainer.Validate()
		if err != nil {
			return err
		}
		fmt.Println(training.FormatMetrics(metrics))
		return nil

	default:
		return fmt.Errorf("unknown mode %q (want train or validate)", mode)
	}
}

// dataset is the on-disk format: row-major feature and binary label matrices
// for the train and valid splits.
type dataset struct {
	Train split `json:"train"`
	Valid split `json:"valid"`
}

type split struct {
	Inputs  [][]float64 `json:"inputs"`
	Targets [][]float64 `json:"targets"`
}

func (s *split) matrices() (*mat.Dense, *mat.Dense, error) {
	inputs, err := toDense(s.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("inputs: %v", err)
	}
	targets, err := toDense(s.Targets)
	if err != nil {
		return nil, nil, fmt.Errorf("targets: %v", err)
	}
	return inputs, targets, nil
}

func toDense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty matrix")
	}
	cols := len(rows[0])
	if cols == 0 {
		return nil, fmt.Errorf("empty rows")
	}
	out := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), cols)
		}
		out.SetRow(i, row)
	}
	return out, nil
}

func loadDataset(path string) (*dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %v", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %v", err)
	}
	return &data, nil
}
