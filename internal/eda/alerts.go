package eda

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// Thresholds drive alert derivation. Zero values fall back to defaults.
type Thresholds struct {
	HighCardinalityPct float64 `json:"high_cardinality_pct,omitempty"`
	HighMissingPct     float64 `json:"high_missing_pct,omitempty"`
	ErrorMissingPct    float64 `json:"error_missing_pct,omitempty"`
	NearConstantPct    float64 `json:"near_constant_pct,omitempty"`
	HighZeroPct        float64 `json:"high_zero_pct,omitempty"`
	HighSkewness       float64 `json:"high_skewness,omitempty"`
	HighCorrelation    float64 `json:"high_correlation,omitempty"`
	DuplicateRowPct    float64 `json:"duplicate_row_pct,omitempty"`
}

// withDefaults fills unset thresholds.
func (t Thresholds) withDefaults() Thresholds {
	def := func(v *float64, d float64) {
		if *v == 0 {
			*v = d
		}
	}
	def(&t.HighCardinalityPct, 95)
	def(&t.HighMissingPct, 20)
	def(&t.ErrorMissingPct, 80)
	def(&t.NearConstantPct, 99)
	def(&t.HighZeroPct, 50)
	def(&t.HighSkewness, 3)
	def(&t.HighCorrelation, 0.9)
	def(&t.DuplicateRowPct, 5)
	return t
}

// columnSummary is the per-column digest alert derivation reads.
type columnSummary struct {
	Name        string
	Category    string
	Common      commonStats
	Numeric     *numericStats
	TopValuePct float64
}

// deriveAlerts turns per-column digests plus dataset-level facts into
// the alert list.
func deriveAlerts(columns []columnSummary, correlations []correlationPair, duplicatePct float64, t Thresholds) []Alert {
	t = t.withDefaults()
	var alerts []Alert

	sorted := append([]columnSummary(nil), columns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, col := range sorted {
		switch {
		case col.Common.MissingPct >= t.ErrorMissingPct:
			alerts = append(alerts, Alert{
				Severity: "error", Column: col.Name, Kind: "missing",
				Message: fmt.Sprintf("%s is %.1f%% missing", col.Name, col.Common.MissingPct),
			})
		case col.Common.MissingPct >= t.HighMissingPct:
			alerts = append(alerts, Alert{
				Severity: "warning", Column: col.Name, Kind: "missing",
				Message: fmt.Sprintf("%s is %.1f%% missing", col.Name, col.Common.MissingPct),
			})
		}

		if col.Common.DistinctCount == 1 {
			alerts = append(alerts, Alert{
				Severity: "warning", Column: col.Name, Kind: "constant",
				Message: fmt.Sprintf("%s has a single constant value", col.Name),
			})
		} else if col.TopValuePct >= t.NearConstantPct {
			alerts = append(alerts, Alert{
				Severity: "info", Column: col.Name, Kind: "near_constant",
				Message: fmt.Sprintf("%s is nearly constant (top value %.1f%%)", col.Name, col.TopValuePct),
			})
		}

		if col.Category == CategoryCategorical && col.Common.DistinctPct >= t.HighCardinalityPct {
			alerts = append(alerts, Alert{
				Severity: "info", Column: col.Name, Kind: "high_cardinality",
				Message: fmt.Sprintf("%s has high cardinality (%.1f%% distinct)", col.Name, col.Common.DistinctPct),
			})
		}

		if col.Numeric != nil {
			if col.Numeric.ZeroPct >= t.HighZeroPct {
				alerts = append(alerts, Alert{
					Severity: "info", Column: col.Name, Kind: "zeros",
					Message: fmt.Sprintf("%s is %.1f%% zeros", col.Name, col.Numeric.ZeroPct),
				})
			}
			if math.Abs(col.Numeric.Skewness) >= t.HighSkewness {
				alerts = append(alerts, Alert{
					Severity: "info", Column: col.Name, Kind: "skewed",
					Message: fmt.Sprintf("%s is highly skewed (%.2f)", col.Name, col.Numeric.Skewness),
				})
			}
		}
	}

	for _, pair := range correlations {
		if math.Abs(pair.Correlation) >= t.HighCorrelation {
			alerts = append(alerts, Alert{
				Severity: "info", Kind: "correlated",
				Message: fmt.Sprintf("%s and %s are highly correlated (r=%.2f)",
					pair.ColumnA, pair.ColumnB, pair.Correlation),
			})
		}
	}

	if duplicatePct >= t.DuplicateRowPct {
		alerts = append(alerts, Alert{
			Severity: "warning", Kind: "duplicates",
			Message: fmt.Sprintf("%.1f%% of rows are duplicates", duplicatePct),
		})
	}
	return alerts
}

// countDuplicatesByHash counts duplicate rows by hashing each row's
// textual form over the ordered column list.
func countDuplicatesByHash(rows []map[string]interface{}, orderedColumns []string) int64 {
	seen := map[string]int64{}
	for _, row := range rows {
		h := sha256.New()
		for _, col := range orderedColumns {
			fmt.Fprintf(h, "%s=%v;", col, row[col])
		}
		seen[hex.EncodeToString(h.Sum(nil))]++
	}
	var dups int64
	for _, n := range seen {
		if n > 1 {
			dups += n - 1
		}
	}
	return dups
}
