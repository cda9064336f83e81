package ensemble

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Vote is one strategy's orientation-corrected verdict for a single row.
// Score is min-max normalized to [0,1] over the batch, higher = more
// anomalous, regardless of the strategy's native score direction.
type Vote struct {
	Strategy string
	Label    domain.Label
	Weight   float64
	Score    float64
}

// Combiner reconciles per-strategy votes into one verdict. Implementations
// form a closed set selected at construction time.
type Combiner interface {
	Method() domain.VotingMethod
	Combine(votes []Vote) (domain.Label, float64)
}

// NewCombiner selects the voting policy.
func NewCombiner(method domain.VotingMethod) (Combiner, error) {
	switch method {
	case domain.VotingMajority, "":
		return majorityCombiner{}, nil
	case domain.VotingWeighted:
		return weightedCombiner{}, nil
	case domain.VotingAverage:
		return averageCombiner{}, nil
	default:
		return nil, fmt.Errorf("unsupported voting method: %q", method)
	}
}

// majorityCombiner: anomalous when anomalous votes outnumber normal votes;
// ties break toward normal.
type majorityCombiner struct{}

func (majorityCombiner) Method() domain.VotingMethod { return domain.VotingMajority }

func (majorityCombiner) Combine(votes []Vote) (domain.Label, float64) {
	if len(votes) == 0 {
		return domain.LabelNormal, 0
	}
	anomalous := 0
	for _, v := range votes {
		if v.Label == domain.LabelAnomalous {
			anomalous++
		}
	}
	fraction := float64(anomalous) / float64(len(votes))
	if anomalous > len(votes)-anomalous {
		return domain.LabelAnomalous, fraction
	}
	return domain.LabelNormal, fraction
}

// weightedCombiner: anomalous when the weighted anomalous-vote fraction
// exceeds 0.5. Unset weights default to 1.0.
type weightedCombiner struct{}

func (weightedCombiner) Method() domain.VotingMethod { return domain.VotingWeighted }

func (weightedCombiner) Combine(votes []Vote) (domain.Label, float64) {
	var total, anomalous float64
	for _, v := range votes {
		w := v.Weight
		if w <= 0 {
			w = 1.0
		}
		total += w
		if v.Label == domain.LabelAnomalous {
			anomalous += w
		}
	}
	if total == 0 {
		return domain.LabelNormal, 0
	}
	fraction := anomalous / total
	if fraction > 0.5 {
		return domain.LabelAnomalous, fraction
	}
	return domain.LabelNormal, fraction
}

// averageCombiner: anomalous when the mean normalized score exceeds 0.5.
type averageCombiner struct{}

func (averageCombiner) Method() domain.VotingMethod { return domain.VotingAverage }

func (averageCombiner) Combine(votes []Vote) (domain.Label, float64) {
	if len(votes) == 0 {
		return domain.LabelNormal, 0
	}
	var sum float64
	for _, v := range votes {
		sum += v.Score
	}
	mean := sum / float64(len(votes))
	if mean > 0.5 {
		return domain.LabelAnomalous, mean
	}
	return domain.LabelNormal, mean
}
