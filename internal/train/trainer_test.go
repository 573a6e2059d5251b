package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"ctstream/internal/config"
	"ctstream/internal/model"
	"ctstream/internal/storage"
)

func writeShardDir(t *testing.T, days, individuals int) string {
	t.Helper()
	dir := t.TempDir()
	for day := 0; day < days; day++ {
		for ind := 1; ind <= individuals; ind++ {
			rec := model.RawRecord{
				Individual:       ind,
				Day:              day,
				ReportedSymptoms: [][]float64{{1, 0}, {0, 0}, {0, 1}},
				TestResults:      []float64{0, 0, 1},
				Age:              30 + ind,
				Infectiousness:   []float64{0.1, 0.2, 0.3},
				Encounters: []model.RawEncounter{
					{Partner: uint16(ind), Message: uint8(day + 1), Duration: 5, Day: day},
				},
				ExposureEncounter: []int{day % 2},
			}
			data, err := json.Marshal(rec)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			name := filepath.Join(dir, fmt.Sprintf("%d-%d.json", day, ind))
			if err := os.WriteFile(name, data, 0o644); err != nil {
				t.Fatalf("write shard: %v", err)
			}
		}
	}
	return dir
}

func testTrainConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Data.TrainPath = writeShardDir(t, 5, 6)
	cfg.Loader.BatchSize = 4
	cfg.Loader.Workers = 2
	cfg.Loader.HistoryWindow = 3
	cfg.Loader.SymptomWidth = 2
	cfg.Echo.BufferSize = 16
	cfg.Echo.MinBufferSize = 2
	cfg.Echo.NumEchoes = 1
	cfg.Echo.Seed = 42
	cfg.Training.Epochs = 2
	cfg.Training.CheckpointEvery = 2
	return cfg
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func TestTrainerRunPersistsArtifacts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	trainer, err := New(Params{Config: testTrainConfig(t), RunID: "run-1", Store: store})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	summary, err := trainer.Run(ctx, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Epochs != 2 {
		t.Fatalf("summary epochs = %d, want 2", summary.Epochs)
	}
	if summary.Steps == 0 {
		t.Fatal("summary must record steps")
	}
	if summary.Seed != 42 {
		t.Fatalf("summary seed = %d, want 42", summary.Seed)
	}

	saved, ok, err := store.GetRunSummary(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("expected stored summary, ok=%t err=%v", ok, err)
	}
	if saved.Steps != summary.Steps {
		t.Fatalf("stored summary steps = %d, want %d", saved.Steps, summary.Steps)
	}

	history, ok, err := store.GetLossHistory(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("expected stored loss history, ok=%t err=%v", ok, err)
	}
	if len(history) == 0 {
		t.Fatal("loss history must not be empty")
	}
	sawTotal := false
	for _, point := range history {
		if point.Name == lossTotal && point.Phase == "train" {
			sawTotal = true
		}
	}
	if !sawTotal {
		t.Fatal("loss history must carry the weighted total")
	}

	snap, ok, err := store.GetBufferSnapshot(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("expected stored snapshot, ok=%t err=%v", ok, err)
	}
	if snap.Seed != 42 || len(snap.Units) == 0 {
		t.Fatalf("unexpected snapshot: seed=%d units=%d", snap.Seed, len(snap.Units))
	}

	if _, ok, err := store.GetFaultCounters(ctx, "run-1"); err != nil || !ok {
		t.Fatalf("expected stored fault counters, ok=%t err=%v", ok, err)
	}
}

func TestTrainerStepsSpanEpochs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	trainer, err := New(Params{Config: testTrainConfig(t), RunID: "run-s", Store: store})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	summary, err := trainer.Run(ctx, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	history, ok, err := store.GetLossHistory(ctx, "run-s")
	if err != nil || !ok {
		t.Fatalf("expected stored loss history, ok=%t err=%v", ok, err)
	}
	var last int64
	maxEpoch := 0
	for _, point := range history {
		if point.Phase != "train" {
			continue
		}
		if point.Step < last {
			t.Fatalf("step %d regressed below %d in epoch %d", point.Step, last, point.Epoch)
		}
		last = point.Step
		if point.Epoch > maxEpoch {
			maxEpoch = point.Epoch
		}
	}
	if maxEpoch != 1 {
		t.Fatalf("expected train points from both epochs, last epoch seen %d", maxEpoch)
	}
	if summary.Steps != last {
		t.Fatalf("summary steps = %d, want final recorded step %d", summary.Steps, last)
	}
}

func TestTrainerValidationEpochRecorded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cfg := testTrainConfig(t)
	cfg.Data.ValidatePath = writeShardDir(t, 3, 3)
	cfg.Training.Epochs = 1
	cfg.Training.EarlyStoppingMetric = "validate/total"

	trainer, err := New(Params{Config: cfg, RunID: "run-v", Store: store})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	summary, err := trainer.Run(ctx, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.BestMetric == 0 {
		t.Fatal("expected a best metric from the validation epoch")
	}

	history, ok, err := store.GetLossHistory(ctx, "run-v")
	if err != nil || !ok {
		t.Fatalf("expected stored loss history, ok=%t err=%v", ok, err)
	}
	sawValidate := false
	for _, point := range history {
		if point.Phase == "validate" {
			sawValidate = true
		}
	}
	if !sawValidate {
		t.Fatal("loss history must carry validation points")
	}
}

func TestTrainerResumeRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testTrainConfig(t)
	cfg.Training.Epochs = 1

	first, err := New(Params{Config: cfg, RunID: "run-r", Store: store})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	if _, err := first.Run(ctx, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second, err := New(Params{Config: cfg, RunID: "run-r", Store: store})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	summary, err := second.Run(ctx, true)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if !summary.ResumedSnapshot {
		t.Fatal("expected resumed run to restore the stored snapshot")
	}
	if summary.DeterminismNote != "" {
		t.Fatalf("unexpected determinism note: %q", summary.DeterminismNote)
	}
}

func TestTrainerResumeWithoutSnapshotIsNoted(t *testing.T) {
	ctx := context.Background()
	cfg := testTrainConfig(t)
	cfg.Training.Epochs = 1

	trainer, err := New(Params{Config: cfg, RunID: "run-n", Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	summary, err := trainer.Run(ctx, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.ResumedSnapshot {
		t.Fatal("nothing was stored, so nothing can be resumed")
	}
	if summary.DeterminismNote == "" {
		t.Fatal("expected a determinism note when the snapshot is absent")
	}
}

func TestTrainerRejectsBadParams(t *testing.T) {
	store := newTestStore(t)
	cfg := testTrainConfig(t)

	if _, err := New(Params{Config: cfg, RunID: "", Store: store}); err == nil {
		t.Fatal("expected error for missing run id")
	}
	if _, err := New(Params{Config: cfg, RunID: "run-1"}); err == nil {
		t.Fatal("expected error for missing store")
	}
	bad := cfg
	bad.Echo.Policy = "lifo"
	if _, err := New(Params{Config: bad, RunID: "run-1", Store: store}); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestPickMetricPrefersValidation(t *testing.T) {
	cfg := testTrainConfig(t)
	cfg.Training.EarlyStoppingMetric = "validate/total"
	trainer, err := New(Params{Config: cfg, RunID: "run-m", Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}

	if got := trainer.pickMetric(0.9, 0.4); got != 0.4 {
		t.Fatalf("metric = %f, want validation loss 0.4", got)
	}
	if got := trainer.pickMetric(0.9, math.NaN()); got != 0.9 {
		t.Fatalf("metric = %f, want train fallback 0.9", got)
	}

	trainer.cfg.Training.EarlyStoppingMetric = ""
	if got := trainer.pickMetric(0.9, 0.4); got != 0.9 {
		t.Fatalf("metric = %f, want train loss 0.9", got)
	}
}
