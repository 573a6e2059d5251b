package storage

import (
	"context"

	"ctstream/internal/model"
)

// Store defines persistence operations for training run artifacts.
type Store interface {
	Init(ctx context.Context) error
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
	ListRunSummaries(ctx context.Context) ([]model.RunSummary, error)
	SaveLossHistory(ctx context.Context, runID string, history []model.LossPoint) error
	GetLossHistory(ctx context.Context, runID string) ([]model.LossPoint, bool, error)
	SaveBufferSnapshot(ctx context.Context, snapshot model.BufferSnapshot) error
	GetBufferSnapshot(ctx context.Context, runID string) (model.BufferSnapshot, bool, error)
	SaveFaultCounters(ctx context.Context, runID string, counters model.FaultCounters) error
	GetFaultCounters(ctx context.Context, runID string) (model.FaultCounters, bool, error)
}
