package echo

import (
	"errors"
	"fmt"
	"sync"

	"ctstream/internal/model"
)

// Policy names the re-emission eligibility rule.
const (
	// PolicyRandom selects uniformly among all occupants regardless of
	// resolution state.
	PolicyRandom = "random"
	// PolicyResolved selects uniformly among occupants with at least one
	// resolved task label.
	PolicyResolved = "resolved"
)

// ErrCapacityInvariant reports occupancy above the configured size. It is
// fatal: the run must halt rather than train on corrupt buffer state.
var ErrCapacityInvariant = errors.New("echo buffer capacity invariant violated")

type Config struct {
	BufferSize    int
	MinBufferSize int
	MaxEchoes     int
	Policy        string
	Seed          int64
}

// Record wraps a training unit inside the buffer.
type Record struct {
	Unit          model.TrainingUnit
	InsertionStep int64
	EchoCount     int
}

// State is the record's position in the resolution lifecycle. Evicted
// records are unreachable and carry no state.
type State string

const (
	StateFresh             State = "fresh"
	StatePartiallyResolved State = "partially_resolved"
	StateResolved          State = "resolved"
)

func (r Record) State() State {
	resolved := 0
	for _, label := range r.Unit.Labels {
		if label.Resolved {
			resolved++
		}
	}
	switch {
	case resolved == 0:
		return StateFresh
	case resolved < len(r.Unit.Labels):
		return StatePartiallyResolved
	default:
		return StateResolved
	}
}

// Buffer is a bounded replay cache of recently streamed training units. All
// operations take the single internal mutex: correctness depends on a strict
// total order of Ingest/ResolveLabel/NextEcho calls, and the RNG is advanced
// only inside the critical section.
type Buffer struct {
	cfg Config

	mu       sync.Mutex
	src      *seededSource
	records  []*Record
	index    map[string]int
	counters model.FaultCounters
}

func New(cfg Config) (*Buffer, error) {
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if cfg.MinBufferSize < 0 || cfg.MinBufferSize > cfg.BufferSize {
		return nil, fmt.Errorf("min buffer size must be in [0, buffer size]")
	}
	if cfg.MaxEchoes < 0 {
		return nil, fmt.Errorf("max echoes must be >= 0")
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyRandom
	}
	switch cfg.Policy {
	case PolicyRandom, PolicyResolved:
	default:
		return nil, fmt.Errorf("unsupported echo policy: %s", cfg.Policy)
	}

	return &Buffer{
		cfg:   cfg,
		src:   newSeededSource(cfg.Seed),
		index: make(map[string]int),
	}, nil
}

// Ingest stores the unit as a new record at the given step, evicting one
// uniformly chosen occupant first when at capacity. Re-ingesting a subject
// already buffered replaces the old record in place.
func (b *Buffer) Ingest(unit model.TrainingUnit, step int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos, ok := b.index[unit.SubjectID]; ok {
		b.records[pos] = &Record{Unit: unit.Clone(), InsertionStep: step}
		return b.checkCapacityLocked()
	}

	if len(b.records) >= b.cfg.BufferSize {
		b.evictLocked(b.src.intn(len(b.records)))
	}
	b.records = append(b.records, &Record{Unit: unit.Clone(), InsertionStep: step})
	b.index[unit.SubjectID] = len(b.records) - 1
	return b.checkCapacityLocked()
}

// ResolveLabel updates a buffered record's label in place and reports whether
// a match was found. Resolutions for evicted subjects are dropped: a delayed
// label arriving too late is lost, the documented cost of bounded memory.
func (b *Buffer) ResolveLabel(subjectID, task string, value float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.index[subjectID]
	if !ok {
		b.counters.UnmatchedResolutions++
		return false
	}
	rec := b.records[pos]
	if rec.Unit.Labels == nil {
		rec.Unit.Labels = make(map[string]model.Label)
	}
	rec.Unit.Labels[task] = model.Label{Value: value, Resolved: true}
	return true
}

// NextEcho selects one record for re-emission at the given step. It returns
// ok=false below the cold-start threshold or when no record is eligible
// under the configured policy. A record whose echo count reaches the cap is
// evicted immediately after being returned.
func (b *Buffer) NextEcho(step int64) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) < b.cfg.MinBufferSize || len(b.records) == 0 {
		b.counters.BufferUnderflows++
		return Record{}, false
	}

	var pos int
	switch b.cfg.Policy {
	case PolicyResolved:
		eligible := make([]int, 0, len(b.records))
		for i, rec := range b.records {
			if rec.State() != StateFresh {
				eligible = append(eligible, i)
			}
		}
		if len(eligible) == 0 {
			return Record{}, false
		}
		pos = eligible[b.src.intn(len(eligible))]
	default:
		pos = b.src.intn(len(b.records))
	}

	rec := b.records[pos]
	rec.EchoCount++
	b.counters.Echoes++
	out := Record{
		Unit:          rec.Unit.Clone(),
		InsertionStep: rec.InsertionStep,
		EchoCount:     rec.EchoCount,
	}
	if b.cfg.MaxEchoes > 0 && rec.EchoCount >= b.cfg.MaxEchoes {
		b.evictLocked(pos)
	}
	return out, true
}

// Len reports current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Counters returns a copy of the fault counters accumulated so far.
func (b *Buffer) Counters() model.FaultCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// Snapshot captures occupancy and RNG position for checkpointing.
func (b *Buffer) Snapshot(runID string) model.BufferSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	units := make([]model.BufferedUnit, len(b.records))
	for i, rec := range b.records {
		units[i] = model.BufferedUnit{
			Unit:          rec.Unit.Clone(),
			InsertionStep: rec.InsertionStep,
			EchoCount:     rec.EchoCount,
		}
	}
	return model.BufferSnapshot{
		RunID: runID,
		Seed:  b.cfg.Seed,
		Draws: b.src.draws,
		Units: units,
	}
}

// Restore replaces buffer contents and RNG position from a snapshot taken
// with the same seed.
func (b *Buffer) Restore(snap model.BufferSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snap.Seed != b.cfg.Seed {
		return fmt.Errorf("snapshot seed %d does not match buffer seed %d", snap.Seed, b.cfg.Seed)
	}
	if len(snap.Units) > b.cfg.BufferSize {
		return fmt.Errorf("snapshot holds %d units, buffer size is %d: %w",
			len(snap.Units), b.cfg.BufferSize, ErrCapacityInvariant)
	}

	b.records = make([]*Record, len(snap.Units))
	b.index = make(map[string]int, len(snap.Units))
	for i, item := range snap.Units {
		b.records[i] = &Record{
			Unit:          item.Unit.Clone(),
			InsertionStep: item.InsertionStep,
			EchoCount:     item.EchoCount,
		}
		b.index[item.Unit.SubjectID] = i
	}
	b.src.fastForward(snap.Draws)
	return nil
}

func (b *Buffer) evictLocked(pos int) {
	last := len(b.records) - 1
	evicted := b.records[pos]
	delete(b.index, evicted.Unit.SubjectID)
	if pos != last {
		b.records[pos] = b.records[last]
		b.index[b.records[pos].Unit.SubjectID] = pos
	}
	b.records[last] = nil
	b.records = b.records[:last]
	b.counters.Evictions++
}

func (b *Buffer) checkCapacityLocked() error {
	if len(b.records) > b.cfg.BufferSize {
		return fmt.Errorf("occupancy %d exceeds size %d: %w",
			len(b.records), b.cfg.BufferSize, ErrCapacityInvariant)
	}
	return nil
}
