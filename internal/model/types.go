package model

import "fmt"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Task names for the two prediction heads.
const (
	TaskContagion      = "contagion"
	TaskInfectiousness = "infectiousness"
)

// Tasks lists every prediction head in a fixed order.
var Tasks = []string{TaskContagion, TaskInfectiousness}

// SubjectID identifies the individual-day record a training unit originates
// from.
func SubjectID(individual, day int) string {
	return fmt.Sprintf("%d-%d", individual, day)
}

// Label is a per-task target. Value is meaningless until Resolved is set.
type Label struct {
	Value    float64 `json:"value"`
	Resolved bool    `json:"resolved"`
}

// EncounterMessage is one anonymized proximity message attached to a unit.
// PartnerID and Payload are bit-unpacked into fixed-width float vectors.
type EncounterMessage struct {
	PartnerID []float64 `json:"partner_id"`
	Payload   []float64 `json:"payload"`
	Duration  float64   `json:"duration"`
	DayOffset int       `json:"day_offset"`
}

// TrainingUnit is the atomic item flowing through the pipeline.
type TrainingUnit struct {
	SubjectID     string             `json:"subject_id"`
	DayOffset     int                `json:"day_offset"`
	HealthHistory [][]float64        `json:"health_history"`
	HistoryDays   []int              `json:"history_days"`
	ValidHistory  []bool             `json:"valid_history"`
	HealthProfile []float64          `json:"health_profile"`
	Encounters    []EncounterMessage `json:"encounters"`
	Labels        map[string]Label   `json:"labels"`
}

// Clone returns a deep copy so buffered state never aliases emitted batches.
func (u TrainingUnit) Clone() TrainingUnit {
	out := u
	out.HealthHistory = make([][]float64, len(u.HealthHistory))
	for i, row := range u.HealthHistory {
		out.HealthHistory[i] = append([]float64(nil), row...)
	}
	out.HistoryDays = append([]int(nil), u.HistoryDays...)
	out.ValidHistory = append([]bool(nil), u.ValidHistory...)
	out.HealthProfile = append([]float64(nil), u.HealthProfile...)
	out.Encounters = append([]EncounterMessage(nil), u.Encounters...)
	for i, enc := range u.Encounters {
		out.Encounters[i].PartnerID = append([]float64(nil), enc.PartnerID...)
		out.Encounters[i].Payload = append([]float64(nil), enc.Payload...)
	}
	out.Labels = make(map[string]Label, len(u.Labels))
	for task, label := range u.Labels {
		out.Labels[task] = label
	}
	return out
}

// Resolution is a late-arriving label for a previously streamed unit.
type Resolution struct {
	SubjectID string  `json:"subject_id"`
	Task      string  `json:"task"`
	Value     float64 `json:"value"`
}

// Batch is what the training loop consumes each step.
type Batch struct {
	Step     int64          `json:"step"`
	Units    []TrainingUnit `json:"units"`
	FromEcho []bool         `json:"from_echo"`
}

// TaskMask reports, per unit, whether the given task label is resolved. The
// loss for a task must exclude unresolved units.
func (b Batch) TaskMask(task string) []bool {
	mask := make([]bool, len(b.Units))
	for i, unit := range b.Units {
		mask[i] = unit.Labels[task].Resolved
	}
	return mask
}

// RawEncounter is one row of a shard's candidate_encounters table.
type RawEncounter struct {
	Partner  uint16  `json:"partner"`
	Message  uint8   `json:"message"`
	Duration float64 `json:"duration"`
	Day      int     `json:"day"`
}

// RawRecord is the on-disk per-individual-day record a shard yields.
type RawRecord struct {
	Individual            int            `json:"individual"`
	Day                   int            `json:"day"`
	ReportedSymptoms      [][]float64    `json:"reported_symptoms"`
	TestResults           []float64      `json:"test_results"`
	Age                   int            `json:"age"`
	Sex                   int            `json:"sex"`
	PreexistingConditions []float64      `json:"preexisting_conditions"`
	Infectiousness        []float64      `json:"infectiousness"`
	Encounters            []RawEncounter `json:"candidate_encounters"`
	ExposureEncounter     []int          `json:"exposure_encounter"`
}

// FaultCounters aggregates the non-fatal fault taxonomy for a run.
type FaultCounters struct {
	IngestionFaults      uint64 `json:"ingestion_faults"`
	UnmatchedResolutions uint64 `json:"unmatched_resolutions"`
	BufferUnderflows     uint64 `json:"buffer_underflows"`
	Evictions            uint64 `json:"evictions"`
	Echoes               uint64 `json:"echoes"`
}

// BufferedUnit is one entry of a serialized echo buffer.
type BufferedUnit struct {
	Unit          TrainingUnit `json:"unit"`
	InsertionStep int64        `json:"insertion_step"`
	EchoCount     int          `json:"echo_count"`
}

// BufferSnapshot serializes echo buffer occupancy and RNG position so a
// resumed run reproduces future echo sequences exactly.
type BufferSnapshot struct {
	VersionedRecord
	RunID string         `json:"run_id"`
	Seed  int64          `json:"seed"`
	Draws uint64         `json:"draws"`
	Units []BufferedUnit `json:"units"`
}

// LossPoint is one logged training or validation loss value.
type LossPoint struct {
	Step  int64   `json:"step"`
	Epoch int     `json:"epoch"`
	Phase string  `json:"phase"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// RunSummary is the persisted outcome of a training run.
type RunSummary struct {
	VersionedRecord
	RunID            string        `json:"run_id"`
	CreatedAtUTC     string        `json:"created_at_utc"`
	Seed             int64         `json:"seed"`
	Epochs           int           `json:"epochs"`
	Steps            int64         `json:"steps"`
	FinalLoss        float64       `json:"final_loss"`
	BestMetric       float64       `json:"best_metric"`
	EarlyStopped     bool          `json:"early_stopped"`
	ResumedSnapshot  bool          `json:"resumed_snapshot"`
	DeterminismNote  string        `json:"determinism_note,omitempty"`
	Faults           FaultCounters `json:"faults"`
	TrainShardsBound int           `json:"train_shards_bound,omitempty"`
}
