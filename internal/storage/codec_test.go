package storage

import (
	"errors"
	"reflect"
	"testing"

	"ctstream/internal/model"
)

func TestRunSummaryCodecRoundTrip(t *testing.T) {
	input := model.RunSummary{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
		CreatedAtUTC:    "2026-08-30T10:00:00Z",
		Seed:            7,
		Epochs:          4,
		Steps:           200,
		FinalLoss:       0.31,
		BestMetric:      0.29,
		EarlyStopped:    true,
		Faults:          model.FaultCounters{UnmatchedResolutions: 12},
	}

	encoded, err := EncodeRunSummary(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeRunSummary(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("roundtrip mismatch\nactual=%+v\nexpected=%+v", decoded, input)
	}
}

func TestBufferSnapshotCodecRoundTrip(t *testing.T) {
	input := model.BufferSnapshot{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
		Seed:            42,
		Draws:           17,
		Units: []model.BufferedUnit{{
			Unit: model.TrainingUnit{
				SubjectID:     "3-5",
				HealthHistory: [][]float64{{1, 0}},
				HistoryDays:   []int{0},
				ValidHistory:  []bool{true},
				Labels: map[string]model.Label{
					model.TaskInfectiousness: {Value: 0.4, Resolved: true},
				},
			},
			InsertionStep: 8,
			EchoCount:     2,
		}},
	}

	encoded, err := EncodeBufferSnapshot(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBufferSnapshot(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Draws != input.Draws || len(decoded.Units) != 1 {
		t.Fatalf("decoded snapshot mismatch: got=%+v want=%+v", decoded, input)
	}
	if decoded.Units[0].Unit.Labels[model.TaskInfectiousness] != input.Units[0].Unit.Labels[model.TaskInfectiousness] {
		t.Fatalf("decoded labels mismatch: %+v", decoded.Units[0].Unit.Labels)
	}
}

func TestDecodeRunSummaryVersionMismatch(t *testing.T) {
	input := model.RunSummary{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion + 1},
		RunID:           "run-1",
	}
	encoded, err := EncodeRunSummary(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeRunSummary(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestDecodeBufferSnapshotVersionMismatch(t *testing.T) {
	input := model.BufferSnapshot{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1, CodecVersion: CurrentCodecVersion},
		RunID:           "run-1",
	}
	encoded, err := EncodeBufferSnapshot(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeBufferSnapshot(encoded)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
}

func TestLossHistoryCodecRoundTrip(t *testing.T) {
	input := []model.LossPoint{
		{Step: 1, Epoch: 0, Phase: "train", Name: "total", Value: 0.8},
		{Step: 2, Epoch: 1, Phase: "validate", Name: "contagion", Value: 0.6},
	}
	encoded, err := EncodeLossHistory(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeLossHistory(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, input) {
		t.Fatalf("decoded history mismatch: got=%+v want=%+v", decoded, input)
	}
}

func TestFaultCountersCodecRoundTrip(t *testing.T) {
	input := model.FaultCounters{
		IngestionFaults:      4,
		UnmatchedResolutions: 9,
		BufferUnderflows:     2,
		Evictions:            30,
		Echoes:               61,
	}
	encoded, err := EncodeFaultCounters(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeFaultCounters(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != input {
		t.Fatalf("decoded counters mismatch: got=%+v want=%+v", decoded, input)
	}
}
