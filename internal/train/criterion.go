package train

import (
	"fmt"

	"ctstream/internal/model"
)

// Criterion combines per-task losses into the scalar the run optimizes.
// Tasks absent from a batch (no resolved labels) contribute nothing.
type Criterion struct {
	weights map[string]float64
}

func NewCriterion(weights map[string]float64) (Criterion, error) {
	merged := make(map[string]float64, len(model.Tasks))
	for _, task := range model.Tasks {
		merged[task] = 1
	}
	for task, weight := range weights {
		if _, ok := merged[task]; !ok {
			return Criterion{}, fmt.Errorf("unknown loss task %q", task)
		}
		if weight < 0 {
			return Criterion{}, fmt.Errorf("loss weight for %q must be >= 0", task)
		}
		merged[task] = weight
	}
	return Criterion{weights: merged}, nil
}

// Total folds per-task losses into the weighted sum.
func (c Criterion) Total(losses map[string]float64) float64 {
	var total float64
	for task, loss := range losses {
		total += c.weights[task] * loss
	}
	return total
}
