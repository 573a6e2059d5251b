package storage

import (
	"context"
	"sort"
	"sync"

	"ctstream/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunSummary
	losses      map[string][]model.LossPoint
	snapshots   map[string]model.BufferSnapshot
	faults      map[string]model.FaultCounters
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunSummary)
	s.losses = make(map[string][]model.LossPoint)
	s.snapshots = make(map[string]model.BufferSnapshot)
	s.faults = make(map[string]model.FaultCounters)
	return nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.runs[runID]
	return summary, ok, nil
}

func (s *MemoryStore) ListRunSummaries(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]model.RunSummary, 0, len(s.runs))
	for _, summary := range s.runs {
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAtUTC != summaries[j].CreatedAtUTC {
			return summaries[i].CreatedAtUTC < summaries[j].CreatedAtUTC
		}
		return summaries[i].RunID < summaries[j].RunID
	})
	return summaries, nil
}

func (s *MemoryStore) SaveLossHistory(_ context.Context, runID string, history []model.LossPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.LossPoint, len(history))
	copy(copied, history)
	s.losses[runID] = copied
	return nil
}

func (s *MemoryStore) GetLossHistory(_ context.Context, runID string) ([]model.LossPoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.losses[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.LossPoint, len(history))
	copy(copied, history)
	return copied, true, nil
}

func (s *MemoryStore) SaveBufferSnapshot(_ context.Context, snapshot model.BufferSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.RunID] = cloneSnapshot(snapshot)
	return nil
}

func (s *MemoryStore) GetBufferSnapshot(_ context.Context, runID string) (model.BufferSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[runID]
	if !ok {
		return model.BufferSnapshot{}, false, nil
	}
	return cloneSnapshot(snapshot), true, nil
}

func (s *MemoryStore) SaveFaultCounters(_ context.Context, runID string, counters model.FaultCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults[runID] = counters
	return nil
}

func (s *MemoryStore) GetFaultCounters(_ context.Context, runID string) (model.FaultCounters, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counters, ok := s.faults[runID]
	return counters, ok, nil
}

func cloneSnapshot(snapshot model.BufferSnapshot) model.BufferSnapshot {
	copied := snapshot
	copied.Units = make([]model.BufferedUnit, len(snapshot.Units))
	for i, unit := range snapshot.Units {
		copied.Units[i] = model.BufferedUnit{
			Unit:          unit.Unit.Clone(),
			InsertionStep: unit.InsertionStep,
			EchoCount:     unit.EchoCount,
		}
	}
	return copied
}
