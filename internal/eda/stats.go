package eda

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// histogramBins is the default bucket count for numeric histograms.
const histogramBins = 20

// topKCategories bounds the categorical frequency table.
const topKCategories = 20

// textSampleCount values are shown per text column, truncated.
const (
	textSampleCount  = 5
	textSampleMaxLen = 200
)

// numericStats is the typed payload of a numeric column's stats block.
type numericStats struct {
	Mean        float64            `json:"mean"`
	Median      float64            `json:"median"`
	Std         float64            `json:"std"`
	Variance    float64            `json:"variance"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Range       float64            `json:"range"`
	Skewness    float64            `json:"skewness"`
	Kurtosis    float64            `json:"kurtosis"`
	Percentiles map[string]float64 `json:"percentiles"`
	IQR         float64            `json:"iqr"`
	ZeroCount   int64              `json:"zero_count"`
	ZeroPct     float64            `json:"zero_pct"`
	Outliers    outlierStats       `json:"outliers"`
}

type outlierStats struct {
	Count      int64   `json:"count"`
	LowerFence float64 `json:"lower_fence"`
	UpperFence float64 `json:"upper_fence"`
}

// commonStats applies to every column regardless of category.
type commonStats struct {
	DistinctCount int64   `json:"distinct_count"`
	DistinctPct   float64 `json:"distinct_pct"`
	MissingCount  int64   `json:"missing_count"`
	MissingPct    float64 `json:"missing_pct"`
	IsUnique      bool    `json:"is_unique"`
}

func computeCommon(values []interface{}) commonStats {
	total := int64(len(values))
	seen := map[string]struct{}{}
	var missing int64
	for _, v := range values {
		if v == nil {
			missing++
			continue
		}
		seen[fmt.Sprintf("%v", v)] = struct{}{}
	}
	present := total - missing
	stats := commonStats{
		DistinctCount: int64(len(seen)),
		MissingCount:  missing,
	}
	if total > 0 {
		stats.MissingPct = pct(missing, total)
	}
	if present > 0 {
		stats.DistinctPct = pct(stats.DistinctCount, present)
		stats.IsUnique = stats.DistinctCount == present
	}
	return stats
}

func pct(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

// numericValues extracts the non-null float view of a column.
func numericValues(values []interface{}) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := asFloat(v); ok {
			out = append(out, f)
		}
	}
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return ss / float64(len(xs))
}

// skewness is the adjusted Fisher-Pearson coefficient.
func skewness(xs []float64) float64 {
	n := float64(len(xs))
	if n < 3 {
		return 0
	}
	m := mean(xs)
	s := math.Sqrt(variance(xs) * n / (n - 1))
	if s == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += math.Pow((x-m)/s, 3)
	}
	return n / ((n - 1) * (n - 2)) * sum
}

// kurtosis is the excess kurtosis.
func kurtosis(xs []float64) float64 {
	n := float64(len(xs))
	if n < 4 {
		return 0
	}
	m := mean(xs)
	s2 := variance(xs) * n / (n - 1)
	if s2 == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d * d * d
	}
	return (n*(n+1))/((n-1)*(n-2)*(n-3))*sum/(s2*s2) - 3*(n-1)*(n-1)/((n-2)*(n-3))
}

// percentile uses linear interpolation between closest ranks over a
// sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// computeNumeric builds the numeric stats payload and histogram.
func computeNumeric(values []interface{}) (numericStats, Block) {
	xs := numericValues(values)
	stats := numericStats{Percentiles: map[string]float64{}}
	if len(xs) == 0 {
		return stats, Block{Title: "Distribution", RenderAs: RenderHistogram, Data: histogram(nil)}
	}

	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	stats.Mean = mean(xs)
	stats.Variance = variance(xs)
	stats.Std = math.Sqrt(stats.Variance)
	stats.Min = sorted[0]
	stats.Max = sorted[len(sorted)-1]
	stats.Range = stats.Max - stats.Min
	stats.Skewness = skewness(xs)
	stats.Kurtosis = kurtosis(xs)
	for _, p := range []float64{5, 25, 50, 75, 95} {
		stats.Percentiles[fmt.Sprintf("p%d", int(p))] = percentile(sorted, p)
	}
	stats.Median = stats.Percentiles["p50"]
	q1 := stats.Percentiles["p25"]
	q3 := stats.Percentiles["p75"]
	stats.IQR = q3 - q1

	lower := q1 - 1.5*stats.IQR
	upper := q3 + 1.5*stats.IQR
	var outliers, zeros int64
	for _, x := range xs {
		if x < lower || x > upper {
			outliers++
		}
		if x == 0 {
			zeros++
		}
	}
	stats.Outliers = outlierStats{Count: outliers, LowerFence: lower, UpperFence: upper}
	stats.ZeroCount = zeros
	stats.ZeroPct = pct(zeros, int64(len(xs)))

	return stats, Block{Title: "Distribution", RenderAs: RenderHistogram, Data: histogram(sorted)}
}

// histogramBucket is one histogram bar.
type histogramBucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int64   `json:"count"`
}

func histogram(sorted []float64) []histogramBucket {
	if len(sorted) == 0 {
		return []histogramBucket{}
	}
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		return []histogramBucket{{Lower: lo, Upper: hi, Count: int64(len(sorted))}}
	}
	width := (hi - lo) / histogramBins
	buckets := make([]histogramBucket, histogramBins)
	for i := range buckets {
		buckets[i] = histogramBucket{Lower: lo + float64(i)*width, Upper: lo + float64(i+1)*width}
	}
	for _, x := range sorted {
		idx := int((x - lo) / width)
		if idx >= histogramBins {
			idx = histogramBins - 1
		}
		buckets[idx].Count++
	}
	return buckets
}

// frequencyEntry is one row of a categorical frequency table.
type frequencyEntry struct {
	Value string  `json:"value"`
	Count int64   `json:"count"`
	Pct   float64 `json:"pct"`
}

// topFrequencies ranks values by count, ties broken lexically for
// deterministic output.
func topFrequencies(values []interface{}, k int) []frequencyEntry {
	counts := map[string]int64{}
	var present int64
	for _, v := range values {
		if v == nil {
			continue
		}
		counts[fmt.Sprintf("%v", v)]++
		present++
	}
	entries := make([]frequencyEntry, 0, len(counts))
	for v, c := range counts {
		entries = append(entries, frequencyEntry{Value: v, Count: c, Pct: pct(c, present)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Value < entries[j].Value
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	return entries
}

// stringLengthStats summarises value lengths for categorical and text
// columns.
type stringLengthStats struct {
	MinLength     int64   `json:"min_length"`
	MaxLength     int64   `json:"max_length"`
	MeanLength    float64 `json:"mean_length"`
	MeanWordCount float64 `json:"mean_word_count,omitempty"`
}

func computeStringLengths(values []interface{}, withWords bool) stringLengthStats {
	stats := stringLengthStats{MinLength: math.MaxInt64}
	var total, words, n int64
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		l := int64(len(s))
		if l < stats.MinLength {
			stats.MinLength = l
		}
		if l > stats.MaxLength {
			stats.MaxLength = l
		}
		total += l
		if withWords {
			words += int64(len(strings.Fields(s)))
		}
		n++
	}
	if n == 0 {
		return stringLengthStats{}
	}
	stats.MeanLength = float64(total) / float64(n)
	if withWords {
		stats.MeanWordCount = float64(words) / float64(n)
	}
	return stats
}

// textSamples picks up to textSampleCount random non-null values,
// truncated to textSampleMaxLen characters.
func textSamples(values []interface{}, rng *rand.Rand) []string {
	var pool []string
	for _, v := range values {
		if s, ok := v.(string); ok {
			pool = append(pool, s)
		}
	}
	if len(pool) == 0 {
		return []string{}
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > textSampleCount {
		pool = pool[:textSampleCount]
	}
	out := make([]string, len(pool))
	for i, s := range pool {
		if len(s) > textSampleMaxLen {
			s = s[:textSampleMaxLen]
		}
		out[i] = s
	}
	return out
}

// booleanStats is the boolean column payload.
type booleanStats struct {
	TrueCount  int64    `json:"true_count"`
	FalseCount int64    `json:"false_count"`
	NullCount  int64    `json:"null_count"`
	TruePct    float64  `json:"true_pct"`
	FalsePct   float64  `json:"false_pct"`
	Ratio      *float64 `json:"true_false_ratio,omitempty"`
}

func computeBoolean(values []interface{}) booleanStats {
	var stats booleanStats
	for _, v := range values {
		switch t := v.(type) {
		case nil:
			stats.NullCount++
		case bool:
			if t {
				stats.TrueCount++
			} else {
				stats.FalseCount++
			}
		default:
			stats.NullCount++
		}
	}
	present := stats.TrueCount + stats.FalseCount
	stats.TruePct = pct(stats.TrueCount, present)
	stats.FalsePct = pct(stats.FalseCount, present)
	if stats.FalseCount > 0 {
		r := float64(stats.TrueCount) / float64(stats.FalseCount)
		stats.Ratio = &r
	}
	return stats
}

// datetimeStats is the datetime column payload.
type datetimeStats struct {
	Min      string `json:"min"`
	Max      string `json:"max"`
	RangeDay int64  `json:"range_days"`
}

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

func parseDatetime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// computeDatetime derives the range plus a temporal histogram bucketed
// by month.
func computeDatetime(values []interface{}) (datetimeStats, Block) {
	var times []time.Time
	for _, v := range values {
		if t, ok := parseDatetime(v); ok {
			times = append(times, t)
		}
	}
	if len(times) == 0 {
		return datetimeStats{}, Block{Title: "Temporal distribution", RenderAs: RenderHistogram, Data: []frequencyEntry{}}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	stats := datetimeStats{
		Min:      times[0].Format(time.RFC3339),
		Max:      times[len(times)-1].Format(time.RFC3339),
		RangeDay: int64(times[len(times)-1].Sub(times[0]).Hours() / 24),
	}

	months := map[string]int64{}
	for _, t := range times {
		months[t.Format("2006-01")]++
	}
	keys := make([]string, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hist := make([]frequencyEntry, len(keys))
	for i, k := range keys {
		hist[i] = frequencyEntry{Value: k, Count: months[k], Pct: pct(months[k], int64(len(times)))}
	}
	return stats, Block{Title: "Temporal distribution", RenderAs: RenderHistogram, Data: hist}
}
