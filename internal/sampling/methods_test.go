package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbench-io/workbench-go/internal/config"
	"github.com/workbench-io/workbench-go/internal/convert"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

func testSchema() models.TableSchema {
	return models.TableSchema{Columns: []models.ColumnDef{
		{Name: "region", Type: convert.TypeText},
		{Name: "amount", Type: convert.TypeDouble},
		{Name: "count", Type: convert.TypeInteger},
		{Name: "active", Type: convert.TypeBoolean},
	}}
}

func seed(n int64) *int64 { return &n }

func TestBuildRandomUnseeded(t *testing.T) {
	q, err := buildRoundQuery(RoundConfig{
		Method:     MethodRandom,
		Parameters: MethodParams{SampleSize: 10},
	}, testSchema(), 1000, config.Default().Sampling)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "ORDER BY RANDOM()")
	assert.Contains(t, q.SQL, "LIMIT $3")
	assert.Equal(t, []any{int64(10)}, q.Args)
	assert.Contains(t, q.SQL, "temp_sampling_exclusions", "every round must exclude prior samples")
}

func TestBuildRandomSeededTemplateChoice(t *testing.T) {
	cfg := config.Default().Sampling
	round := RoundConfig{
		Method:     MethodRandom,
		Parameters: MethodParams{SampleSize: 10, Seed: seed(42)},
	}

	// At or below the cardinality threshold: exact ORDER BY template.
	exact, err := buildRoundQuery(round, testSchema(), int64(cfg.CardinalityThreshold), cfg)
	require.NoError(t, err)
	assert.Contains(t, exact.SQL, "ORDER BY md5(logical_row_id")
	assert.NotContains(t, exact.SQL, "bit(60)")

	// Above it: hash reject filter, no global sort.
	scalable, err := buildRoundQuery(round, testSchema(), int64(cfg.CardinalityThreshold)+1, cfg)
	require.NoError(t, err)
	assert.Contains(t, scalable.SQL, "bit(60)::bigint")
	assert.NotContains(t, scalable.SQL, "ORDER BY md5")
}

func TestScaledThreshold(t *testing.T) {
	// 10 of 1000 rows at 1.5 oversampling is 1.5% of the hash space.
	th := scaledThreshold(10, 1000, 1.5)
	assert.InEpsilon(t, 0.015*float64(two60), float64(th), 0.001)

	// Ratios at or past one clamp rather than overflow.
	assert.Equal(t, hashClamp, scaledThreshold(10, 0, 1.5))
	assert.Equal(t, hashClamp, scaledThreshold(1000, 10, 1.5))
}

func TestBuildSystematic(t *testing.T) {
	q, err := buildRoundQuery(RoundConfig{
		Method:     MethodSystematic,
		Parameters: MethodParams{Interval: 3, Start: 2},
	}, testSchema(), 100, config.Default().Sampling)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "ROW_NUMBER() OVER (ORDER BY logical_row_id)")
	assert.Contains(t, q.SQL, "(rn + $3 - 1) % $4 = 0")
	assert.Equal(t, []any{int64(2), int64(3)}, q.Args)

	_, err = buildRoundQuery(RoundConfig{
		Method:     MethodSystematic,
		Parameters: MethodParams{Interval: 0},
	}, testSchema(), 100, config.Default().Sampling)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation))
}

func TestBuildClusterModes(t *testing.T) {
	cfg := config.Default().Sampling

	pct, err := buildRoundQuery(RoundConfig{
		Method: MethodCluster,
		Parameters: MethodParams{
			ClusterColumn: "region", NumClusters: 3, ClusterPercentage: 0.5, Seed: seed(7),
		},
	}, testSchema(), 100, cfg)
	require.NoError(t, err)
	assert.Contains(t, pct.SQL, "selected_clusters")
	assert.Contains(t, pct.SQL, "CEIL(cluster_rows *")

	fixed, err := buildRoundQuery(RoundConfig{
		Method: MethodCluster,
		Parameters: MethodParams{
			ClusterColumn: "region", NumClusters: 3, ClusterSize: 20, Seed: seed(7),
		},
	}, testSchema(), 100, cfg)
	require.NoError(t, err)
	assert.NotContains(t, fixed.SQL, "CEIL(cluster_rows")

	_, err = buildRoundQuery(RoundConfig{
		Method:     MethodCluster,
		Parameters: MethodParams{ClusterColumn: "nope", NumClusters: 3, ClusterSize: 1},
	}, testSchema(), 100, cfg)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation), "unknown cluster column must fail validation")
}

func TestBuildStratifiedProportional(t *testing.T) {
	q, err := buildRoundQuery(RoundConfig{
		Method: MethodStratified,
		Parameters: MethodParams{
			StrataColumns: []string{"region"},
			SampleSize:    100,
			MinPerStratum: 5,
			Seed:          seed(1),
		},
	}, testSchema(), 1000, config.Default().Sampling)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "GREATEST(")
	assert.Contains(t, q.SQL, "CEIL(stratum_size::numeric / total.total_rows")
	assert.Contains(t, q.SQL, "IS NOT DISTINCT FROM")
	assert.Equal(t, []any{int64(1), int64(5), int64(100)}, q.Args)
}

func TestBuildStratifiedDisproportional(t *testing.T) {
	q, err := buildRoundQuery(RoundConfig{
		Method: MethodStratified,
		Parameters: MethodParams{
			StrataColumns:     []string{"region", "active"},
			SamplesPerStratum: 10,
		},
	}, testSchema(), 1000, config.Default().Sampling)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "PARTITION BY")
	assert.Contains(t, q.SQL, "rn <= $4")
	assert.Equal(t, []any{int64(0), int64(10)}, q.Args)
}

func TestStratifiedRequiresStrata(t *testing.T) {
	_, err := buildRoundQuery(RoundConfig{
		Method:     MethodStratified,
		Parameters: MethodParams{SampleSize: 100},
	}, testSchema(), 1000, config.Default().Sampling)
	assert.True(t, werrors.IsKind(err, werrors.KindDomain))

	_, err = buildRoundQuery(RoundConfig{
		Method:     MethodStratified,
		Parameters: MethodParams{StrataColumns: []string{"region"}},
	}, testSchema(), 1000, config.Default().Sampling)
	assert.True(t, werrors.IsKind(err, werrors.KindDomain))
}

func TestUnknownMethod(t *testing.T) {
	_, err := buildRoundQuery(RoundConfig{Method: "quantum"}, testSchema(), 10, config.Default().Sampling)
	assert.True(t, werrors.IsKind(err, werrors.KindValidation))
}

func TestFilterArgsShiftMethodPlaceholders(t *testing.T) {
	q, err := buildRoundQuery(RoundConfig{
		Method:     MethodRandom,
		Parameters: MethodParams{SampleSize: 5},
		Filters: []Filter{
			{Column: "amount", Operator: ">", Value: 10.0},
			{Column: "region", Operator: "in", Values: []interface{}{"eu", "us"}},
		},
	}, testSchema(), 100, config.Default().Sampling)
	require.NoError(t, err)

	// $1 commit, $2 prefix, $3..$5 filters, $6 limit.
	assert.Contains(t, q.SQL, "(data->>'amount')::double precision > $3")
	assert.Contains(t, q.SQL, "(data->>'region') IN ($4,$5)")
	assert.Contains(t, q.SQL, "LIMIT $6")
	assert.Equal(t, []any{10.0, "eu", "us", int64(5)}, q.Args)
}
