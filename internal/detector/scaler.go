package detector

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scaler standardizes features to zero mean and unit variance. It is fit
// on training data only and reused at prediction time so train and predict
// see identical transformations. Missing values (NaN) are imputed with the
// feature's training mean before scaling.
type Scaler struct {
	means []float64
	stds  []float64
}

// Fit computes per-feature mean and standard deviation, ignoring NaNs.
func (s *Scaler) Fit(m *domain.FeatureMatrix) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.NumRows() == 0 {
		return fmt.Errorf("cannot fit scaler on empty matrix")
	}

	cols := m.NumFeatures()
	s.means = make([]float64, cols)
	s.stds = make([]float64, cols)

	for j := 0; j < cols; j++ {
		var sum float64
		var count int
		for _, row := range m.Rows {
			if !math.IsNaN(row[j]) {
				sum += row[j]
				count++
			}
		}
		if count == 0 {
			// Entirely missing feature: pass through unchanged.
			s.means[j] = 0
			s.stds[j] = 1
			continue
		}
		mean := sum / float64(count)

		var sq float64
		for _, row := range m.Rows {
			if !math.IsNaN(row[j]) {
				d := row[j] - mean
				sq += d * d
			}
		}
		std := math.Sqrt(sq / float64(count))
		if std == 0 {
			// Constant feature: center only.
			std = 1
		}
		s.means[j] = mean
		s.stds[j] = std
	}
	return nil
}

// Transform returns a scaled copy of the matrix rows. NaNs are imputed
// with the training mean, which maps to 0 in scaled space.
func (s *Scaler) Transform(m *domain.FeatureMatrix) [][]float64 {
	out := make([][]float64, m.NumRows())
	for i, row := range m.Rows {
		scaled := make([]float64, len(row))
		for j, v := range row {
			if j >= len(s.means) {
				break
			}
			if math.IsNaN(v) {
				v = s.means[j]
			}
			scaled[j] = (v - s.means[j]) / s.stds[j]
		}
		out[i] = scaled
	}
	return out
}

// NumFeatures returns the fitted feature count.
func (s *Scaler) NumFeatures() int {
	return len(s.means)
}

// euclidean returns the Euclidean distance between two equal-length vectors.
func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// quantile returns the q-th quantile (0..1) of values using nearest-rank
// interpolation on a sorted copy.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
