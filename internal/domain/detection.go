package domain

// Label is the binary verdict for a single observation.
type Label int8

const (
	// LabelAnomalous marks an observation outside learned normal behavior.
	LabelAnomalous Label = -1

	// LabelNormal marks an observation consistent with training data.
	LabelNormal Label = 1
)

// String returns the label name.
func (l Label) String() string {
	if l == LabelAnomalous {
		return "anomalous"
	}
	return "normal"
}

// ScoreOrientation tells the combiner which direction of a strategy's raw
// score means "more anomalous". Scores must be orientation-corrected before
// they are compared or averaged across strategies.
type ScoreOrientation int

const (
	// HigherIsAnomalous: larger raw scores indicate stronger anomalies.
	HigherIsAnomalous ScoreOrientation = iota

	// LowerIsAnomalous: smaller raw scores indicate stronger anomalies
	// (isolation-forest style decision functions).
	LowerIsAnomalous
)

// DetectionResult is the per-strategy output for one batch. Produced at
// prediction time and discarded after combination; never persisted.
type DetectionResult struct {
	Strategy    string
	Labels      []Label
	Scores      []float64
	Orientation ScoreOrientation
}

// EnsembleVerdict is one row's combined verdict.
type EnsembleVerdict struct {
	Label Label   `json:"label"`
	Score float64 `json:"score"`

	// Votes records each strategy's individual label, for explainability.
	Votes map[string]Label `json:"votes,omitempty"`
}

// VotingMethod selects how per-strategy labels are reconciled.
type VotingMethod string

const (
	// VotingMajority: anomalous when more strategies vote anomalous than
	// normal; ties break toward normal.
	VotingMajority VotingMethod = "majority"

	// VotingWeighted: anomalous when the weighted anomalous-vote fraction
	// exceeds 0.5.
	VotingWeighted VotingMethod = "weighted"

	// VotingAverage: anomalous when the mean of orientation-corrected,
	// min-max normalized scores exceeds 0.5.
	VotingAverage VotingMethod = "average"
)
