// Package train runs the streaming training loop over the echo pipeline.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"ctstream/internal/batch"
	"ctstream/internal/config"
	"ctstream/internal/dataset"
	"ctstream/internal/echo"
	"ctstream/internal/model"
	"ctstream/internal/storage"
	"ctstream/internal/window"
)

const lossTotal = "total"

// Trainer drives epochs of batch assembly, SGD updates, checkpointing and
// early stopping for one run.
type Trainer struct {
	cfg    config.Config
	runID  string
	store  storage.Store
	logger *zap.Logger

	buf       *echo.Buffer
	mdl       *LinearModel
	criterion Criterion

	steps     int64
	ingestion uint64
	history   []model.LossPoint
}

type Params struct {
	Config config.Config
	RunID  string
	Store  storage.Store
	Logger *zap.Logger
}

func New(p Params) (*Trainer, error) {
	if p.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if p.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	buf, err := echo.New(echo.Config{
		BufferSize:    p.Config.Echo.BufferSize,
		MinBufferSize: p.Config.Echo.MinBufferSize,
		MaxEchoes:     p.Config.Echo.MaxEchoes,
		Policy:        p.Config.Echo.Policy,
		Seed:          p.Config.Echo.Seed,
	})
	if err != nil {
		return nil, err
	}
	criterion, err := NewCriterion(p.Config.Training.LossWeights)
	if err != nil {
		return nil, err
	}

	return &Trainer{
		cfg:       p.Config,
		runID:     p.RunID,
		store:     p.Store,
		logger:    p.Logger.With(zap.String("run_id", p.RunID)),
		buf:       buf,
		mdl:       NewLinearModel(p.Config.Echo.Seed),
		criterion: criterion,
	}, nil
}

// Run executes the configured number of epochs and persists the summary,
// loss history, fault counters and final buffer snapshot.
func (t *Trainer) Run(ctx context.Context, resume bool) (model.RunSummary, error) {
	summary := model.RunSummary{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:            t.runID,
		CreatedAtUTC:     time.Now().UTC().Format(time.RFC3339),
		Seed:             t.cfg.Echo.Seed,
		TrainShardsBound: t.cfg.Loader.NumShardsToSelect,
	}

	if resume {
		snap, ok, err := t.store.GetBufferSnapshot(ctx, t.runID)
		if err != nil {
			return summary, fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			if err := t.buf.Restore(snap); err != nil {
				return summary, fmt.Errorf("restore snapshot: %w", err)
			}
			summary.ResumedSnapshot = true
			t.logger.Info("buffer restored from snapshot",
				zap.Int("units", len(snap.Units)),
				zap.Uint64("rng_draws", snap.Draws))
		} else {
			summary.DeterminismNote = "resume requested but no snapshot was stored; the echo sequence restarts from the seed"
			t.logger.Warn("no snapshot to resume from")
		}
	}

	best := math.Inf(1)
	sinceBest := 0
	var finalLoss float64

	for epoch := 0; epoch < t.cfg.Training.Epochs; epoch++ {
		trainLoss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return summary, err
		}
		finalLoss = trainLoss

		validateLoss := math.NaN()
		if t.cfg.Data.ValidatePath != "" {
			validateLoss, err = t.validateEpoch(ctx, epoch)
			if err != nil {
				return summary, err
			}
		}

		metric := t.pickMetric(trainLoss, validateLoss)
		t.logger.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("metric", metric),
			zap.Int64("steps", t.steps))

		summary.Epochs = epoch + 1
		if metric < best {
			best = metric
			sinceBest = 0
			if t.cfg.Training.CheckpointIfBest {
				if err := t.checkpoint(ctx, t.counters()); err != nil {
					return summary, err
				}
			}
		} else {
			sinceBest++
			if t.cfg.Training.Patience > 0 && sinceBest >= t.cfg.Training.Patience {
				summary.EarlyStopped = true
				t.logger.Info("early stopping",
					zap.Int("epoch", epoch),
					zap.Int("epochs_without_improvement", sinceBest))
				break
			}
		}
	}

	summary.Steps = t.steps
	summary.FinalLoss = finalLoss
	if !math.IsInf(best, 1) {
		summary.BestMetric = best
	}
	summary.Faults = t.counters()

	if err := t.checkpoint(ctx, summary.Faults); err != nil {
		return summary, err
	}
	if err := t.store.SaveRunSummary(ctx, summary); err != nil {
		return summary, fmt.Errorf("save summary: %w", err)
	}
	return summary, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	// Reopening the reader each epoch re-rolls the bounded shard selection
	// when num_shards_to_select is set.
	asm, closeAll, err := t.openPipeline(epoch, t.cfg.Data.TrainPath, t.buf, t.cfg.Echo.NumEchoes)
	if err != nil {
		return 0, err
	}
	defer closeAll()

	asm.Start(ctx)

	var totalSum float64
	batches := 0
	for {
		b, err := asm.NextBatch(ctx)
		if errors.Is(err, batch.ErrEndOfStream) {
			break
		}
		if err != nil {
			return 0, err
		}

		losses := t.mdl.Fit(b, t.cfg.Training.LearningRate)
		total := t.criterion.Total(losses)
		totalSum += total
		batches++

		t.record(asm.Step(), epoch, "train", losses, total)

		if t.cfg.Training.CheckpointEvery > 0 && batches%t.cfg.Training.CheckpointEvery == 0 {
			counters := asm.Counters()
			counters.IngestionFaults += t.ingestion
			if err := t.checkpoint(ctx, counters); err != nil {
				return 0, err
			}
		}
	}

	t.steps = asm.Step()
	t.ingestion += asm.Counters().IngestionFaults

	if batches == 0 {
		return 0, fmt.Errorf("epoch %d produced no batches", epoch)
	}
	return totalSum / float64(batches), nil
}

func (t *Trainer) validateEpoch(ctx context.Context, epoch int) (float64, error) {
	// Validation streams through a throwaway buffer that only absorbs
	// ingests. The pipeline below requests zero echoes, so nothing is ever
	// replayed and the training buffer's occupancy and RNG position stay
	// untouched.
	vbuf, err := echo.New(echo.Config{
		BufferSize:    t.cfg.Echo.BufferSize,
		MinBufferSize: t.cfg.Echo.MinBufferSize,
		Seed:          t.cfg.Echo.Seed,
	})
	if err != nil {
		return 0, err
	}

	asm, closeAll, err := t.openPipeline(epoch, t.cfg.Data.ValidatePath, vbuf, 0)
	if err != nil {
		return 0, err
	}
	defer closeAll()

	asm.Start(ctx)

	var totalSum float64
	batches := 0
	for {
		b, err := asm.NextBatch(ctx)
		if errors.Is(err, batch.ErrEndOfStream) {
			break
		}
		if err != nil {
			return 0, err
		}
		losses := t.mdl.Evaluate(b)
		total := t.criterion.Total(losses)
		totalSum += total
		batches++
	}
	if batches == 0 {
		return 0, fmt.Errorf("validation epoch %d produced no batches", epoch)
	}

	mean := totalSum / float64(batches)
	t.history = append(t.history, model.LossPoint{
		Step:  t.steps,
		Epoch: epoch,
		Phase: "validate",
		Name:  lossTotal,
		Value: mean,
	})
	return mean, nil
}

func (t *Trainer) openPipeline(epoch int, path string, buf *echo.Buffer, numEchoes int) (*batch.Assembler, func(), error) {
	reader, err := dataset.Open(dataset.Config{
		Path:          path,
		MaxShards:     t.cfg.Loader.NumShardsToSelect,
		SelectionSeed: t.cfg.Echo.Seed + int64(epoch),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open shard root %s: %w", path, err)
	}

	wind, err := window.New(window.Config{
		HistoryWindow:     t.cfg.Loader.HistoryWindow,
		SymptomWidth:      t.cfg.Loader.SymptomWidth,
		ProfileConditions: t.cfg.Loader.ProfileConditions,
		RelativeDays:      t.cfg.Loader.RelativeDays,
		ClipHistoryDays:   t.cfg.Loader.ClipHistoryDays,
		BitEncodedAge:     t.cfg.Loader.BitEncodedAge,
		MaskSameDay:       t.cfg.Loader.MaskSameDay,
		MessageDropout:    t.cfg.Loader.MessageDropout,
		DurationNoise:     t.cfg.Loader.DurationNoise,
		Seed:              t.cfg.Echo.Seed + int64(epoch),
	})
	if err != nil {
		reader.Close()
		return nil, nil, err
	}

	asm, err := batch.NewAssembler(batch.Config{
		BatchSize:  t.cfg.Loader.BatchSize,
		NumEchoes:  numEchoes,
		StepOnEcho: t.cfg.Echo.StepOnEcho,
		Workers:    t.cfg.Loader.Workers,
		StepBase:   t.steps,
	}, buf, wind, reader, t.logger)
	if err != nil {
		reader.Close()
		return nil, nil, err
	}

	closeAll := func() {
		asm.Close()
		reader.Close()
	}
	return asm, closeAll, nil
}

func (t *Trainer) record(step int64, epoch int, phase string, losses map[string]float64, total float64) {
	for _, task := range model.Tasks {
		loss, ok := losses[task]
		if !ok {
			continue
		}
		t.history = append(t.history, model.LossPoint{
			Step: step, Epoch: epoch, Phase: phase, Name: task, Value: loss,
		})
	}
	t.history = append(t.history, model.LossPoint{
		Step: step, Epoch: epoch, Phase: phase, Name: lossTotal, Value: total,
	})
}

func (t *Trainer) pickMetric(trainLoss, validateLoss float64) float64 {
	metric := t.cfg.Training.EarlyStoppingMetric
	if strings.HasPrefix(metric, "validate") && !math.IsNaN(validateLoss) {
		return validateLoss
	}
	return trainLoss
}

func (t *Trainer) counters() model.FaultCounters {
	counters := t.buf.Counters()
	counters.IngestionFaults = t.ingestion
	return counters
}

func (t *Trainer) checkpoint(ctx context.Context, counters model.FaultCounters) error {
	snap := t.buf.Snapshot(t.runID)
	snap.SchemaVersion = storage.CurrentSchemaVersion
	snap.CodecVersion = storage.CurrentCodecVersion
	if err := t.store.SaveBufferSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := t.store.SaveLossHistory(ctx, t.runID, t.history); err != nil {
		return fmt.Errorf("save loss history: %w", err)
	}
	if err := t.store.SaveFaultCounters(ctx, t.runID, counters); err != nil {
		return fmt.Errorf("save fault counters: %w", err)
	}
	return nil
}
