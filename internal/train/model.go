package train

import (
	"math"
	"math/rand"

	"ctstream/internal/model"
)

// LinearModel is the baseline scorer: one linear head per task over pooled
// unit features, trained by plain SGD. It exists to exercise the pipeline
// end to end, not to be a strong risk model.
type LinearModel struct {
	rng   *rand.Rand
	heads map[string]*head
}

type head struct {
	weights []float64
	bias    float64
}

func NewLinearModel(seed int64) *LinearModel {
	return &LinearModel{
		rng:   rand.New(rand.NewSource(seed)),
		heads: make(map[string]*head),
	}
}

// Predict returns the per-task scores for one unit. The contagion head is
// squashed through a sigmoid, the infectiousness head stays linear.
func (m *LinearModel) Predict(unit model.TrainingUnit) map[string]float64 {
	features := featureVector(unit)
	out := make(map[string]float64, len(model.Tasks))
	for _, task := range model.Tasks {
		z := m.headFor(task, len(features)).forward(features)
		if task == model.TaskContagion {
			z = sigmoid(z)
		}
		out[task] = z
	}
	return out
}

// Fit applies one SGD step per task over the units whose label for that task
// is resolved. It returns the per-task losses before the update.
func (m *LinearModel) Fit(batch model.Batch, lr float64) map[string]float64 {
	losses := make(map[string]float64, len(model.Tasks))
	for _, task := range model.Tasks {
		mask := batch.TaskMask(task)
		n := 0
		for _, resolved := range mask {
			if resolved {
				n++
			}
		}
		if n == 0 {
			continue
		}

		var loss float64
		for i, unit := range batch.Units {
			if !mask[i] {
				continue
			}
			features := featureVector(unit)
			h := m.headFor(task, len(features))
			z := h.forward(features)
			target := unit.Labels[task].Value

			var pred float64
			if task == model.TaskContagion {
				pred = sigmoid(z)
				loss += bce(pred, target)
			} else {
				pred = z
				loss += 0.5 * (pred - target) * (pred - target)
			}

			// For both the squared error and the sigmoid cross entropy the
			// gradient w.r.t. the pre-activation is pred - target.
			grad := (pred - target) * lr / float64(n)
			for j := range h.weights {
				if j < len(features) {
					h.weights[j] -= grad * features[j]
				}
			}
			h.bias -= grad
		}
		losses[task] = loss / float64(n)
	}
	return losses
}

// Evaluate computes the per-task masked losses without updating weights.
func (m *LinearModel) Evaluate(batch model.Batch) map[string]float64 {
	losses := make(map[string]float64, len(model.Tasks))
	for _, task := range model.Tasks {
		mask := batch.TaskMask(task)
		n := 0
		var loss float64
		for i, unit := range batch.Units {
			if !mask[i] {
				continue
			}
			n++
			pred := m.Predict(unit)[task]
			target := unit.Labels[task].Value
			if task == model.TaskContagion {
				loss += bce(pred, target)
			} else {
				loss += 0.5 * (pred - target) * (pred - target)
			}
		}
		if n > 0 {
			losses[task] = loss / float64(n)
		}
	}
	return losses
}

func (m *LinearModel) headFor(task string, dim int) *head {
	h, ok := m.heads[task]
	if !ok {
		h = &head{weights: make([]float64, dim)}
		for i := range h.weights {
			h.weights[i] = m.rng.NormFloat64() * 0.01
		}
		m.heads[task] = h
	}
	return h
}

func (h *head) forward(features []float64) float64 {
	z := h.bias
	for i, x := range features {
		if i >= len(h.weights) {
			break
		}
		z += h.weights[i] * x
	}
	return z
}

// featureVector pools a unit's variable-length blocks into a fixed layout:
// column means over valid history rows, then encounter aggregates, then the
// health profile.
func featureVector(unit model.TrainingUnit) []float64 {
	var features []float64

	if len(unit.HealthHistory) > 0 {
		width := len(unit.HealthHistory[0])
		sums := make([]float64, width)
		valid := 0
		for i, row := range unit.HealthHistory {
			if i < len(unit.ValidHistory) && !unit.ValidHistory[i] {
				continue
			}
			valid++
			for j, v := range row {
				if j < width {
					sums[j] += v
				}
			}
		}
		if valid > 0 {
			for j := range sums {
				sums[j] /= float64(valid)
			}
		}
		features = append(features, sums...)
	}

	var meanDuration, meanPayload float64
	for _, enc := range unit.Encounters {
		meanDuration += enc.Duration
		for _, bit := range enc.Payload {
			meanPayload += bit
		}
	}
	if n := len(unit.Encounters); n > 0 {
		meanDuration /= float64(n)
		meanPayload /= float64(n)
	}
	features = append(features,
		float64(len(unit.Encounters))/10,
		meanDuration/60,
		meanPayload,
	)

	return append(features, unit.HealthProfile...)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func bce(pred, target float64) float64 {
	const eps = 1e-7
	if pred < eps {
		pred = eps
	}
	if pred > 1-eps {
		pred = 1 - eps
	}
	return -(target*math.Log(pred) + (1-target)*math.Log(1-pred))
}
