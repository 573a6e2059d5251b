//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"ctstream/internal/model"
)

func TestSQLiteStoreRunArtifactsRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ctstream.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	summary := model.RunSummary{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
		CreatedAtUTC:    "2026-08-30T10:00:00Z",
		Seed:            42,
		Epochs:          2,
		Steps:           64,
		FinalLoss:       0.35,
	}
	if err := store.SaveRunSummary(ctx, summary); err != nil {
		t.Fatalf("save summary: %v", err)
	}

	loadedSummary, ok, err := store.GetRunSummary(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if !ok {
		t.Fatalf("expected summary %s", summary.RunID)
	}
	if loadedSummary.Seed != summary.Seed || loadedSummary.Steps != summary.Steps {
		t.Fatalf("unexpected summary loaded: %+v", loadedSummary)
	}

	history := []model.LossPoint{
		{Step: 1, Epoch: 0, Phase: "train", Name: "infectiousness", Value: 0.9},
		{Step: 1, Epoch: 0, Phase: "train", Name: "contagion", Value: 0.7},
	}
	if err := store.SaveLossHistory(ctx, "run-1", history); err != nil {
		t.Fatalf("save history: %v", err)
	}
	loadedHistory, ok, err := store.GetLossHistory(ctx, "run-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if !ok {
		t.Fatal("expected loss history run-1")
	}
	if len(loadedHistory) != len(history) || loadedHistory[1].Name != history[1].Name {
		t.Fatalf("unexpected history loaded: %+v", loadedHistory)
	}

	snapshot := model.BufferSnapshot{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
		Seed:            42,
		Draws:           9,
		Units: []model.BufferedUnit{{
			Unit:          model.TrainingUnit{SubjectID: "1-3"},
			InsertionStep: 12,
			EchoCount:     1,
		}},
	}
	if err := store.SaveBufferSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	loadedSnapshot, ok, err := store.GetBufferSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot run-1")
	}
	if loadedSnapshot.Draws != snapshot.Draws || len(loadedSnapshot.Units) != 1 {
		t.Fatalf("unexpected snapshot loaded: %+v", loadedSnapshot)
	}
	if loadedSnapshot.Units[0].Unit.SubjectID != "1-3" {
		t.Fatalf("unexpected snapshot unit: %+v", loadedSnapshot.Units[0])
	}

	counters := model.FaultCounters{IngestionFaults: 3, UnmatchedResolutions: 8}
	if err := store.SaveFaultCounters(ctx, "run-1", counters); err != nil {
		t.Fatalf("save counters: %v", err)
	}
	loadedCounters, ok, err := store.GetFaultCounters(ctx, "run-1")
	if err != nil {
		t.Fatalf("get counters: %v", err)
	}
	if !ok {
		t.Fatal("expected counters run-1")
	}
	if loadedCounters != counters {
		t.Fatalf("unexpected counters loaded: %+v", loadedCounters)
	}

	summaries, err := store.ListRunSummaries(ctx)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].RunID != "run-1" {
		t.Fatalf("unexpected listing: %+v", summaries)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ctstream.db")

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("first init: %v", err)
	}
	summary := model.RunSummary{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "persisted-run",
		CreatedAtUTC:    "2026-08-30T10:00:00Z",
	}
	if err := first.SaveRunSummary(ctx, summary); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}

	second := NewSQLiteStore(dbPath)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})

	loaded, ok, err := second.GetRunSummary(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !ok || loaded.RunID != summary.RunID {
		t.Fatalf("expected persisted summary, got ok=%t value=%+v", ok, loaded)
	}
}
