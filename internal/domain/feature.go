package domain

import (
	"fmt"
	"math"
	"time"
)

// FeatureMatrix is a batch of observations with a fixed feature schema.
// Rows are observations, columns are named numeric features. The schema
// must be identical between training and prediction calls.
type FeatureMatrix struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`

	// Timestamps optionally carries one observation time per row.
	Timestamps []time.Time `json:"timestamps,omitempty"`
}

// NumRows returns the number of observations.
func (m *FeatureMatrix) NumRows() int {
	if m == nil {
		return 0
	}
	return len(m.Rows)
}

// NumFeatures returns the number of features per observation.
func (m *FeatureMatrix) NumFeatures() int {
	if m == nil {
		return 0
	}
	return len(m.Columns)
}

// Validate checks that every row matches the column schema.
func (m *FeatureMatrix) Validate() error {
	if m == nil {
		return fmt.Errorf("feature matrix is required")
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("feature matrix has no columns")
	}
	for i, row := range m.Rows {
		if len(row) != len(m.Columns) {
			return fmt.Errorf("row %d has %d values, schema has %d columns", i, len(row), len(m.Columns))
		}
	}
	return nil
}

// ColumnIndex returns the index of a named column, or -1 if absent.
func (m *FeatureMatrix) ColumnIndex(name string) int {
	for i, c := range m.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Row returns a single observation bound to the matrix schema.
func (m *FeatureMatrix) Row(i int) FeatureRow {
	return FeatureRow{Columns: m.Columns, Values: m.Rows[i]}
}

// FeatureRow is one observation: an ordered mapping of named numeric
// features. Immutable once produced; NaN marks a missing value.
type FeatureRow struct {
	Columns []string  `json:"columns"`
	Values  []float64 `json:"values"`
}

// Map returns the row as a name -> value mapping. Missing values are
// omitted.
func (r FeatureRow) Map() map[string]float64 {
	out := make(map[string]float64, len(r.Columns))
	for i, c := range r.Columns {
		if i < len(r.Values) && !math.IsNaN(r.Values[i]) {
			out[c] = r.Values[i]
		}
	}
	return out
}
