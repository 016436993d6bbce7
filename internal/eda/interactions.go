package eda

import (
	"fmt"
	"math"
	"sort"
)

// boxPlotMaxCombos caps how many (numeric, categorical) box plots the
// profiler emits.
const boxPlotMaxCombos = 10

// boxPlotMaxCategories excludes high-cardinality categoricals from
// box plots.
const boxPlotMaxCategories = 20

// boxPlotMinSamples hides categories with too few observations.
const boxPlotMinSamples = 5

// pearson computes the correlation of two equally indexed columns over
// rows where both are present.
func pearson(xs, ys []interface{}) (float64, int) {
	var px, py []float64
	for i := range xs {
		x, okX := asFloat(xs[i])
		y, okY := asFloat(ys[i])
		if okX && okY {
			px = append(px, x)
			py = append(py, y)
		}
	}
	n := len(px)
	if n < 2 {
		return 0, n
	}
	mx, my := mean(px), mean(py)
	var sxy, sxx, syy float64
	for i := range px {
		dx := px[i] - mx
		dy := py[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, n
	}
	return sxy / math.Sqrt(sxx*syy), n
}

// correlationPair is one entry of the high-correlation table.
type correlationPair struct {
	ColumnA     string  `json:"column_a"`
	ColumnB     string  `json:"column_b"`
	Correlation float64 `json:"correlation"`
	SampleSize  int     `json:"sample_size"`
}

// correlationMatrix holds the full symmetric heatmap payload.
type correlationMatrix struct {
	Columns []string    `json:"columns"`
	Values  [][]float64 `json:"values"`
}

// computeCorrelations builds the heatmap block and the threshold-
// filtered pair table, and returns the pairs for alert derivation.
func computeCorrelations(columns map[string][]interface{}, numericCols []string, threshold float64) ([]Block, []correlationPair) {
	if len(numericCols) < 2 {
		return nil, nil
	}
	sorted := append([]string(nil), numericCols...)
	sort.Strings(sorted)

	matrix := correlationMatrix{Columns: sorted, Values: make([][]float64, len(sorted))}
	var pairs []correlationPair
	for i, a := range sorted {
		matrix.Values[i] = make([]float64, len(sorted))
		for j, b := range sorted {
			if i == j {
				matrix.Values[i][j] = 1
				continue
			}
			r, n := pearson(columns[a], columns[b])
			matrix.Values[i][j] = r
			if j > i && math.Abs(r) >= threshold {
				pairs = append(pairs, correlationPair{ColumnA: a, ColumnB: b, Correlation: r, SampleSize: n})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].Correlation) > math.Abs(pairs[j].Correlation)
	})

	blocks := []Block{{
		Title:    "Correlation matrix",
		RenderAs: RenderHeatmap,
		Data:     matrix,
	}}
	if len(pairs) > 0 {
		blocks = append(blocks, Block{
			Title:       "Highly correlated pairs",
			RenderAs:    RenderTable,
			Data:        pairs,
			Description: fmt.Sprintf("pairs with |r| >= %.2f", threshold),
		})
	}
	return blocks, pairs
}

// boxPlotSeries is the per-category five-number summary.
type boxPlotSeries struct {
	Category string  `json:"category"`
	Min      float64 `json:"min"`
	Q1       float64 `json:"q1"`
	Median   float64 `json:"median"`
	Q3       float64 `json:"q3"`
	Max      float64 `json:"max"`
	Count    int     `json:"count"`
}

// computeBoxPlots emits box-plot blocks for (numeric, categorical)
// combinations, bounded by cardinality and sample-size floors.
func computeBoxPlots(columns map[string][]interface{}, numericCols, categoricalCols []string) []Block {
	sortedNum := append([]string(nil), numericCols...)
	sortedCat := append([]string(nil), categoricalCols...)
	sort.Strings(sortedNum)
	sort.Strings(sortedCat)

	var blocks []Block
	for _, cat := range sortedCat {
		distinct := map[string]struct{}{}
		for _, v := range columns[cat] {
			if v != nil {
				distinct[fmt.Sprintf("%v", v)] = struct{}{}
			}
		}
		if len(distinct) == 0 || len(distinct) > boxPlotMaxCategories {
			continue
		}
		for _, num := range sortedNum {
			if len(blocks) >= boxPlotMaxCombos {
				return blocks
			}
			series := groupedBoxPlot(columns[num], columns[cat])
			if len(series) == 0 {
				continue
			}
			blocks = append(blocks, Block{
				Title:    fmt.Sprintf("%s by %s", num, cat),
				RenderAs: RenderBoxPlot,
				Data:     series,
			})
		}
	}
	return blocks
}

func groupedBoxPlot(numeric, categorical []interface{}) []boxPlotSeries {
	groups := map[string][]float64{}
	for i := range numeric {
		x, ok := asFloat(numeric[i])
		if !ok || categorical[i] == nil {
			continue
		}
		key := fmt.Sprintf("%v", categorical[i])
		groups[key] = append(groups[key], x)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var series []boxPlotSeries
	for _, k := range keys {
		xs := groups[k]
		if len(xs) < boxPlotMinSamples {
			continue
		}
		sort.Float64s(xs)
		series = append(series, boxPlotSeries{
			Category: k,
			Min:      xs[0],
			Q1:       percentile(xs, 25),
			Median:   percentile(xs, 50),
			Q3:       percentile(xs, 75),
			Max:      xs[len(xs)-1],
			Count:    len(xs),
		})
	}
	return series
}
