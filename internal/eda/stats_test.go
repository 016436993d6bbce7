package eda

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbench-io/workbench-go/internal/models"
)

func vals(xs ...interface{}) []interface{} { return xs }

func TestComputeCommon(t *testing.T) {
	stats := computeCommon(vals("a", "b", "a", nil, "c"))

	assert.Equal(t, int64(3), stats.DistinctCount)
	assert.Equal(t, int64(1), stats.MissingCount)
	assert.InDelta(t, 20.0, stats.MissingPct, 0.001)
	assert.InDelta(t, 75.0, stats.DistinctPct, 0.001)
	assert.False(t, stats.IsUnique)

	unique := computeCommon(vals("a", "b", "c"))
	assert.True(t, unique.IsUnique)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}

	assert.InDelta(t, 3.0, percentile(sorted, 50), 0.001)
	assert.InDelta(t, 1.0, percentile(sorted, 0), 0.001)
	assert.InDelta(t, 5.0, percentile(sorted, 100), 0.001)
	assert.InDelta(t, 2.0, percentile(sorted, 25), 0.001)
	assert.InDelta(t, 4.2, percentile(sorted, 80), 0.001)

	assert.Equal(t, 7.0, percentile([]float64{7}, 95))
	assert.Equal(t, 0.0, percentile(nil, 50))
}

func TestSkewnessAndKurtosis(t *testing.T) {
	symmetric := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 0.0, skewness(symmetric), 0.001)

	rightSkewed := []float64{1, 1, 1, 1, 10}
	assert.Greater(t, skewness(rightSkewed), 1.0)

	assert.Equal(t, 0.0, skewness([]float64{1, 2}))
	assert.Equal(t, 0.0, kurtosis([]float64{1, 2, 3}))
	assert.Equal(t, 0.0, skewness([]float64{4, 4, 4, 4}))
}

func TestComputeNumeric(t *testing.T) {
	stats, hist := computeNumeric(vals(int64(0), float64(2), int64(4), nil, "skip", float64(6)))

	assert.InDelta(t, 3.0, stats.Mean, 0.001)
	assert.InDelta(t, 3.0, stats.Median, 0.001)
	assert.Equal(t, 0.0, stats.Min)
	assert.Equal(t, 6.0, stats.Max)
	assert.Equal(t, 6.0, stats.Range)
	assert.Equal(t, int64(1), stats.ZeroCount)
	assert.InDelta(t, 25.0, stats.ZeroPct, 0.001)
	assert.Contains(t, stats.Percentiles, "p5")
	assert.Contains(t, stats.Percentiles, "p95")

	buckets, ok := hist.Data.([]histogramBucket)
	require.True(t, ok)
	assert.Len(t, buckets, histogramBins)
	var total int64
	for _, b := range buckets {
		total += b.Count
	}
	assert.Equal(t, int64(4), total)
}

func TestHistogramConstantColumn(t *testing.T) {
	buckets := histogram([]float64{5, 5, 5})

	require.Len(t, buckets, 1)
	assert.Equal(t, int64(3), buckets[0].Count)
	assert.Equal(t, 5.0, buckets[0].Lower)
	assert.Equal(t, 5.0, buckets[0].Upper)
}

func TestTopFrequencies(t *testing.T) {
	entries := topFrequencies(vals("b", "a", "b", "c", "a", "b", nil), 2)

	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Value)
	assert.Equal(t, int64(3), entries[0].Count)
	assert.InDelta(t, 50.0, entries[0].Pct, 0.001)
	assert.Equal(t, "a", entries[1].Value)
}

func TestTopFrequenciesTieBreak(t *testing.T) {
	entries := topFrequencies(vals("z", "a"), 10)

	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Value)
	assert.Equal(t, "z", entries[1].Value)
}

func TestComputeBoolean(t *testing.T) {
	stats := computeBoolean(vals(true, false, true, nil, true))

	assert.Equal(t, int64(3), stats.TrueCount)
	assert.Equal(t, int64(1), stats.FalseCount)
	assert.Equal(t, int64(1), stats.NullCount)
	assert.InDelta(t, 75.0, stats.TruePct, 0.001)
	require.NotNil(t, stats.Ratio)
	assert.InDelta(t, 3.0, *stats.Ratio, 0.001)

	allTrue := computeBoolean(vals(true, true))
	assert.Nil(t, allTrue.Ratio)
}

func TestComputeDatetime(t *testing.T) {
	stats, hist := computeDatetime(vals("2024-01-15", "2024-03-01", "2024-01-20", "not a date"))

	assert.Equal(t, "2024-01-15T00:00:00Z", stats.Min)
	assert.Equal(t, "2024-03-01T00:00:00Z", stats.Max)
	assert.Equal(t, int64(46), stats.RangeDay)

	months, ok := hist.Data.([]frequencyEntry)
	require.True(t, ok)
	require.Len(t, months, 2)
	assert.Equal(t, "2024-01", months[0].Value)
	assert.Equal(t, int64(2), months[0].Count)
}

func TestTextSamplesTruncation(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	rng := rand.New(rand.NewSource(1))
	samples := textSamples(vals(string(long), "short"), rng)

	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.LessOrEqual(t, len(s), textSampleMaxLen)
	}
}

func TestPearson(t *testing.T) {
	xs := vals(float64(1), float64(2), float64(3), float64(4))
	ys := vals(float64(2), float64(4), float64(6), float64(8))
	r, n := pearson(xs, ys)
	assert.InDelta(t, 1.0, r, 0.0001)
	assert.Equal(t, 4, n)

	inverse := vals(float64(8), float64(6), float64(4), float64(2))
	r, _ = pearson(xs, inverse)
	assert.InDelta(t, -1.0, r, 0.0001)

	withNulls := vals(float64(1), nil, float64(3), nil)
	_, n = pearson(withNulls, ys)
	assert.Equal(t, 2, n)

	constant := vals(float64(5), float64(5), float64(5), float64(5))
	r, _ = pearson(xs, constant)
	assert.Equal(t, 0.0, r)
}

func TestComputeCorrelations(t *testing.T) {
	columns := map[string][]interface{}{
		"a": vals(float64(1), float64(2), float64(3)),
		"b": vals(float64(2), float64(4), float64(6)),
		"c": vals(float64(9), float64(1), float64(5)),
	}
	blocks, pairs := computeCorrelations(columns, []string{"a", "b", "c"}, 0.9)

	require.NotEmpty(t, blocks)
	matrix, ok := blocks[0].Data.(correlationMatrix)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, matrix.Columns)
	assert.Equal(t, 1.0, matrix.Values[0][0])
	assert.InDelta(t, 1.0, matrix.Values[0][1], 0.0001)

	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].ColumnA)
	assert.Equal(t, "b", pairs[0].ColumnB)

	none, nonePairs := computeCorrelations(columns, []string{"a"}, 0.9)
	assert.Nil(t, none)
	assert.Nil(t, nonePairs)
}

func TestGroupedBoxPlotFloors(t *testing.T) {
	numeric := vals(
		float64(1), float64(2), float64(3), float64(4), float64(5),
		float64(9),
	)
	categorical := vals("a", "a", "a", "a", "a", "b")

	series := groupedBoxPlot(numeric, categorical)

	require.Len(t, series, 1)
	assert.Equal(t, "a", series[0].Category)
	assert.Equal(t, 5, series[0].Count)
	assert.Equal(t, 1.0, series[0].Min)
	assert.Equal(t, 3.0, series[0].Median)
	assert.Equal(t, 5.0, series[0].Max)
}

func TestComputeBoxPlotsCaps(t *testing.T) {
	columns := map[string][]interface{}{}
	var numericCols, categoricalCols []string
	base := make([]interface{}, 10)
	cats := make([]interface{}, 10)
	for i := range base {
		base[i] = float64(i)
		cats[i] = "g"
	}
	for _, n := range []string{"n1", "n2", "n3", "n4", "n5", "n6"} {
		columns[n] = base
		numericCols = append(numericCols, n)
	}
	for _, c := range []string{"c1", "c2", "c3"} {
		columns[c] = cats
		categoricalCols = append(categoricalCols, c)
	}

	blocks := computeBoxPlots(columns, numericCols, categoricalCols)
	assert.Len(t, blocks, boxPlotMaxCombos)
}

func TestComputeMissing(t *testing.T) {
	rows := []map[string]interface{}{
		{"a": 1, "b": nil},
		{"a": nil, "b": nil},
		{"a": 3, "b": "x"},
	}
	blocks := computeMissing(rows, []string{"a", "b"})

	require.Len(t, blocks, 3)
	summary, ok := blocks[0].Data.(missingSummary)
	require.True(t, ok)
	assert.Equal(t, int64(6), summary.TotalCells)
	assert.Equal(t, int64(3), summary.MissingCells)
	assert.InDelta(t, 50.0, summary.MissingPct, 0.001)
	assert.Equal(t, 2, summary.ColumnsAffected)
	assert.Equal(t, int64(3), summary.RowsAffected)

	byColumn, ok := blocks[1].Data.([]missingByColumn)
	require.True(t, ok)
	assert.Equal(t, "b", byColumn[0].Column)
	assert.Equal(t, int64(2), byColumn[0].MissingCount)

	matrix, ok := blocks[2].Data.(map[string]interface{})
	require.True(t, ok)
	grid := matrix["rows"].([][]bool)
	require.Len(t, grid, 3)
	assert.Equal(t, []bool{false, true}, grid[0])
	assert.Equal(t, []bool{true, true}, grid[1])
}

func TestClassifyColumn(t *testing.T) {
	intCol := models.ColumnDef{Name: "n", Type: "integer"}
	assert.Equal(t, CategoryNumeric, classifyColumn(intCol, vals(int64(1))))

	boolCol := models.ColumnDef{Name: "b", Type: "boolean"}
	assert.Equal(t, CategoryBoolean, classifyColumn(boolCol, vals(true)))

	dateCol := models.ColumnDef{Name: "d", Type: "text"}
	assert.Equal(t, CategoryDatetime,
		classifyColumn(dateCol, vals("2024-01-01", "2024-02-01", "2024-03-01")))

	catCol := models.ColumnDef{Name: "c", Type: "text"}
	repeated := vals("eu", "us", "eu", "us", "eu", "us", "eu", "us")
	assert.Equal(t, CategoryCategorical, classifyColumn(catCol, repeated))

	textCol := models.ColumnDef{Name: "t", Type: "text"}
	free := vals("first sentence", "second sentence", "third sentence", "fourth sentence")
	assert.Equal(t, CategoryText, classifyColumn(textCol, free))

	unknownCol := models.ColumnDef{Name: "u", Type: "geometry"}
	assert.Equal(t, CategoryUnknown, classifyColumn(unknownCol, vals("POINT(0 0)")))
}

func TestDeriveAlerts(t *testing.T) {
	high := numericStats{Skewness: 5, ZeroPct: 80}
	columns := []columnSummary{
		{Name: "mostly_null", Category: CategoryText, Common: commonStats{MissingPct: 90}},
		{Name: "somewhat_null", Category: CategoryText, Common: commonStats{MissingPct: 30}},
		{Name: "constant", Category: CategoryCategorical, Common: commonStats{DistinctCount: 1}},
		{Name: "ids", Category: CategoryCategorical, Common: commonStats{DistinctCount: 99, DistinctPct: 99}},
		{Name: "skewed_zeros", Category: CategoryNumeric, Common: commonStats{DistinctCount: 50}, Numeric: &high},
	}
	pairs := []correlationPair{{ColumnA: "a", ColumnB: "b", Correlation: 0.97}}

	alerts := deriveAlerts(columns, pairs, 12.5, Thresholds{})

	kinds := map[string]string{}
	for _, a := range alerts {
		kinds[a.Kind+":"+a.Column] = a.Severity
	}
	assert.Equal(t, "error", kinds["missing:mostly_null"])
	assert.Equal(t, "warning", kinds["missing:somewhat_null"])
	assert.Equal(t, "warning", kinds["constant:constant"])
	assert.Equal(t, "info", kinds["high_cardinality:ids"])
	assert.Equal(t, "info", kinds["skewed:skewed_zeros"])
	assert.Equal(t, "info", kinds["zeros:skewed_zeros"])
	assert.Equal(t, "info", kinds["correlated:"])
	assert.Equal(t, "warning", kinds["duplicates:"])
}

func TestCountDuplicatesByHash(t *testing.T) {
	rows := []map[string]interface{}{
		{"a": 1, "b": "x"},
		{"a": 1, "b": "x"},
		{"a": 1, "b": "x"},
		{"a": 2, "b": "y"},
	}
	assert.Equal(t, int64(2), countDuplicatesByHash(rows, []string{"a", "b"}))
	assert.Equal(t, int64(0), countDuplicatesByHash(rows[3:], []string{"a", "b"}))
}

func TestProfileColumnNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	blocks, summary := profileColumn("amount", CategoryNumeric,
		vals(float64(1), float64(2), float64(2), float64(3)), rng)

	require.Len(t, blocks, 3)
	assert.Equal(t, RenderKeyValuePairs, blocks[0].RenderAs)
	assert.Equal(t, RenderHistogram, blocks[2].RenderAs)
	require.NotNil(t, summary.Numeric)
	assert.InDelta(t, 2.0, summary.Numeric.Mean, 0.001)
	assert.InDelta(t, 50.0, summary.TopValuePct, 0.001)
}

func TestProfileColumnCategorical(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	values := vals("eu", "us", "eu", "apac")
	blocks, summary := profileColumn("region", CategoryCategorical, values, rng)

	require.GreaterOrEqual(t, len(blocks), 3)
	assert.Equal(t, RenderTable, blocks[1].RenderAs)
	assert.Equal(t, RenderBarChart, blocks[2].RenderAs)
	assert.Equal(t, CategoryCategorical, summary.Category)
	assert.InDelta(t, 50.0, summary.TopValuePct, 0.001)
}
