package pipeline

import "github.com/iago/lesson-pipeline/internal/domain"

// Progress converts stage weights into a completion percentage. Weights are
// normalised over the stages of a plan, so a bypassed stage gets no share.
type Progress struct {
	weights map[domain.Stage]int
}

func NewProgress(weights map[string]int) Progress {
	normalized := make(map[domain.Stage]int, len(weights))
	for stage, weight := range weights {
		if weight > 0 {
			normalized[domain.Stage(stage)] = weight
		}
	}
	return Progress{weights: normalized}
}

// Through returns the percentage reached once stage has finished. Only the
// final stage of the plan reaches 100.
func (p Progress) Through(plan []domain.Stage, stage domain.Stage) int {
	if stage == domain.StageDone || (len(plan) > 0 && stage == plan[len(plan)-1]) {
		return 100
	}

	total, reached, found := 0, 0, false
	for _, planned := range plan {
		weight := p.weight(planned)
		total += weight
		if !found {
			reached += weight
		}
		if planned == stage {
			found = true
		}
	}
	if !found || total == 0 {
		return 0
	}

	percent := reached * 100 / total
	if percent > 99 {
		percent = 99
	}
	return percent
}

func (p Progress) weight(stage domain.Stage) int {
	if len(p.weights) == 0 {
		if stage == domain.StagePersisted {
			return 0
		}
		return 1
	}
	return p.weights[stage]
}
