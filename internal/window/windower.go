package window

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	"ctstream/internal/model"
)

// ErrMalformedRecord marks a record missing required feature blocks. The
// pipeline skips and counts it, it never halts the stream.
var ErrMalformedRecord = errors.New("malformed record")

// ErrEmptyEncounterSet marks a record with no encounters inside the history
// window. Skipped and counted like a malformed record.
var ErrEmptyEncounterSet = errors.New("record has no valid encounters")

const defaultEncounterDuration = 10

type Config struct {
	// HistoryWindow is the number of days of health history per unit.
	HistoryWindow int
	// SymptomWidth is the per-day symptom vector width; the test result
	// column is appended to it.
	SymptomWidth int
	// ProfileConditions is the expected preexisting-conditions width.
	ProfileConditions int
	// RelativeDays formats day stamps so the current day is 0 and earlier
	// days are negative. Otherwise absolute simulation days are kept.
	RelativeDays bool
	// ClipHistoryDays clips history stamps that predate day 0.
	ClipHistoryDays bool
	// BitEncodedAge encodes age as 8 bits instead of a scalar in [0, 1].
	BitEncodedAge bool
	// MaskSameDay removes encounters whose day equals the record's day
	// before emission.
	MaskSameDay bool
	// IDBits is the bit width partner identifiers are unpacked to.
	IDBits int
	// MessageBits is the bit width of the encounter message payload.
	MessageBits int
	// MessageDropout zeroes an encounter's payload with this probability.
	MessageDropout float64
	// DurationNoise scales encounter durations by 1 + N(0, DurationNoise).
	DurationNoise float64
	// Seed drives the transform randomness.
	Seed int64
}

func (c *Config) setDefaults() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 14
	}
	if c.SymptomWidth <= 0 {
		c.SymptomWidth = 12
	}
	if c.ProfileConditions <= 0 {
		c.ProfileConditions = 5
	}
	if c.IDBits <= 0 {
		c.IDBits = 16
	}
	if c.MessageBits <= 0 {
		c.MessageBits = 8
	}
}

// Windower turns raw per-individual-day records into training units. Not
// safe for concurrent use: the transform RNG is owned by the instance.
type Windower struct {
	cfg    Config
	rng    *rand.Rand
	faults atomic.Uint64
}

func New(cfg Config) (*Windower, error) {
	cfg.setDefaults()
	if cfg.MessageDropout < 0 || cfg.MessageDropout > 1 {
		return nil, fmt.Errorf("message dropout must be in [0, 1]")
	}
	if cfg.DurationNoise < 0 {
		return nil, fmt.Errorf("duration noise must be >= 0")
	}
	return &Windower{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Faults reports how many records were skipped so far.
func (w *Windower) Faults() uint64 {
	return w.faults.Load()
}

// Window produces the training unit for one record. Errors wrapping
// ErrMalformedRecord or ErrEmptyEncounterSet are skip-and-count faults.
func (w *Windower) Window(rec model.RawRecord) (model.TrainingUnit, error) {
	if err := w.validate(rec); err != nil {
		w.faults.Add(1)
		return model.TrainingUnit{}, err
	}

	encounters := w.buildEncounters(rec)
	if len(encounters) == 0 {
		w.faults.Add(1)
		return model.TrainingUnit{}, fmt.Errorf("record %s: %w", model.SubjectID(rec.Individual, rec.Day), ErrEmptyEncounterSet)
	}

	history := make([][]float64, w.cfg.HistoryWindow)
	historyDays := make([]int, w.cfg.HistoryWindow)
	validHistory := make([]bool, w.cfg.HistoryWindow)
	for i := 0; i < w.cfg.HistoryWindow; i++ {
		row := make([]float64, w.cfg.SymptomWidth+1)
		copy(row, rec.ReportedSymptoms[i])
		row[w.cfg.SymptomWidth] = rec.TestResults[i]
		history[i] = row

		day := rec.Day - i
		validHistory[i] = day >= 0
		if w.cfg.ClipHistoryDays && day < 0 {
			day = 0
		}
		if w.cfg.RelativeDays {
			day -= rec.Day
		}
		historyDays[i] = day
	}

	dayOffset := rec.Day
	if w.cfg.RelativeDays {
		dayOffset = 0
	}

	return model.TrainingUnit{
		SubjectID:     model.SubjectID(rec.Individual, rec.Day),
		DayOffset:     dayOffset,
		HealthHistory: history,
		HistoryDays:   historyDays,
		ValidHistory:  validHistory,
		HealthProfile: w.buildProfile(rec),
		Encounters:    encounters,
		Labels:        w.buildLabels(rec),
	}, nil
}

// Resolutions extracts late labels this record carries for earlier days of
// the same individual: the infectiousness window covers days the simulation
// has since resolved.
func (w *Windower) Resolutions(rec model.RawRecord) []model.Resolution {
	var out []model.Resolution
	for k := 1; k < len(rec.Infectiousness); k++ {
		day := rec.Day - k
		if day < 0 {
			break
		}
		out = append(out, model.Resolution{
			SubjectID: model.SubjectID(rec.Individual, day),
			Task:      model.TaskInfectiousness,
			Value:     rec.Infectiousness[k],
		})
	}
	return out
}

func (w *Windower) validate(rec model.RawRecord) error {
	subject := model.SubjectID(rec.Individual, rec.Day)
	if len(rec.ReportedSymptoms) != w.cfg.HistoryWindow {
		return fmt.Errorf("record %s: symptom history has %d days, want %d: %w",
			subject, len(rec.ReportedSymptoms), w.cfg.HistoryWindow, ErrMalformedRecord)
	}
	for i, row := range rec.ReportedSymptoms {
		if len(row) != w.cfg.SymptomWidth {
			return fmt.Errorf("record %s: symptom row %d has width %d, want %d: %w",
				subject, i, len(row), w.cfg.SymptomWidth, ErrMalformedRecord)
		}
	}
	if len(rec.TestResults) != w.cfg.HistoryWindow {
		return fmt.Errorf("record %s: test results have %d days, want %d: %w",
			subject, len(rec.TestResults), w.cfg.HistoryWindow, ErrMalformedRecord)
	}
	return nil
}

func (w *Windower) buildEncounters(rec model.RawRecord) []model.EncounterMessage {
	out := make([]model.EncounterMessage, 0, len(rec.Encounters))
	for _, enc := range rec.Encounters {
		if enc.Day <= rec.Day-w.cfg.HistoryWindow {
			continue
		}
		if w.cfg.MaskSameDay && enc.Day == rec.Day {
			continue
		}

		duration := enc.Duration
		if duration == 0 {
			duration = defaultEncounterDuration
		}
		if w.cfg.DurationNoise > 0 {
			factor := 1 + w.rng.NormFloat64()*w.cfg.DurationNoise
			if factor < 0 {
				factor = 0
			}
			duration *= factor
		}

		payload := unpackBits(uint64(enc.Message), w.cfg.MessageBits)
		if w.cfg.MessageDropout > 0 && w.rng.Float64() < w.cfg.MessageDropout {
			payload = make([]float64, w.cfg.MessageBits)
		}

		dayOffset := enc.Day
		if w.cfg.RelativeDays {
			dayOffset = enc.Day - rec.Day
		}
		out = append(out, model.EncounterMessage{
			PartnerID: unpackBits(uint64(enc.Partner), w.cfg.IDBits),
			Payload:   payload,
			Duration:  duration,
			DayOffset: dayOffset,
		})
	}
	return out
}

func (w *Windower) buildProfile(rec model.RawRecord) []float64 {
	var profile []float64
	if w.cfg.BitEncodedAge {
		if rec.Age == 0 {
			profile = []float64{-1, -1, -1, -1, -1, -1, -1, -1}
		} else {
			profile = unpackBits(uint64(rec.Age), 8)
		}
	} else {
		if rec.Age == 0 {
			profile = []float64{-1}
		} else {
			profile = []float64{float64(rec.Age-1) / 99}
		}
	}
	profile = append(profile, float64(rec.Sex))
	conditions := rec.PreexistingConditions
	if len(conditions) != w.cfg.ProfileConditions {
		conditions = make([]float64, w.cfg.ProfileConditions)
	}
	return append(profile, conditions...)
}

func (w *Windower) buildLabels(rec model.RawRecord) map[string]model.Label {
	labels := map[string]model.Label{
		model.TaskContagion:      {},
		model.TaskInfectiousness: {},
	}
	if len(rec.ExposureEncounter) == len(rec.Encounters) && len(rec.Encounters) > 0 {
		exposed := 0.0
		for _, v := range rec.ExposureEncounter {
			if v != 0 {
				exposed = 1
				break
			}
		}
		labels[model.TaskContagion] = model.Label{Value: exposed, Resolved: true}
	}
	return labels
}

// unpackBits mirrors the uint-to-bit-vector encoding of the shard format,
// most significant bit first.
func unpackBits(v uint64, width int) []float64 {
	out := make([]float64, width)
	for i := 0; i < width; i++ {
		if v&(1<<uint(width-1-i)) != 0 {
			out[i] = 1
		}
	}
	return out
}
