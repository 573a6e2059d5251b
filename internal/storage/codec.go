package storage

import (
	"encoding/json"
	"errors"

	"ctstream/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRunSummary(s model.RunSummary) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeRunSummary(data []byte) (model.RunSummary, error) {
	var summary model.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return model.RunSummary{}, err
	}
	if err := checkVersion(summary.VersionedRecord); err != nil {
		return model.RunSummary{}, err
	}
	return summary, nil
}

func EncodeBufferSnapshot(s model.BufferSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeBufferSnapshot(data []byte) (model.BufferSnapshot, error) {
	var snapshot model.BufferSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.BufferSnapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.BufferSnapshot{}, err
	}
	return snapshot, nil
}

func EncodeLossHistory(history []model.LossPoint) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeLossHistory(data []byte) ([]model.LossPoint, error) {
	var history []model.LossPoint
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func EncodeFaultCounters(counters model.FaultCounters) ([]byte, error) {
	return json.Marshal(counters)
}

func DecodeFaultCounters(data []byte) (model.FaultCounters, error) {
	var counters model.FaultCounters
	if err := json.Unmarshal(data, &counters); err != nil {
		return model.FaultCounters{}, err
	}
	return counters, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
