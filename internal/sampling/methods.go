package sampling

import (
	"fmt"
	"strings"

	"github.com/workbench-io/workbench-go/internal/config"
	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// Sampling methods.
const (
	MethodRandom     = "random"
	MethodStratified = "stratified"
	MethodSystematic = "systematic"
	MethodCluster    = "cluster"
)

// two60 scales a [0,1) fraction onto the 60-bit hash space used by the
// reject filters.
const two60 = int64(1) << 60

// hashClamp caps computed thresholds so the numeric-to-bigint cast
// cannot overflow when a selection ratio exceeds one.
const hashClamp = int64(1) << 62

// MethodParams is the per-round parameter document. Which fields apply
// depends on the method.
type MethodParams struct {
	SampleSize        int64    `json:"sample_size,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Interval          int64    `json:"interval,omitempty"`
	Start             int64    `json:"start,omitempty"`
	StrataColumns     []string `json:"strata_columns,omitempty"`
	MinPerStratum     int64    `json:"min_per_stratum,omitempty"`
	SamplesPerStratum int64    `json:"samples_per_stratum,omitempty"`
	ClusterColumn     string   `json:"cluster_column,omitempty"`
	NumClusters       int64    `json:"num_clusters,omitempty"`
	ClusterPercentage float64  `json:"cluster_percentage,omitempty"`
	ClusterSize       int64    `json:"cluster_size,omitempty"`
}

// RoundConfig configures one sampling round.
type RoundConfig struct {
	Method     string       `json:"method"`
	Parameters MethodParams `json:"parameters"`
	OutputName string       `json:"output_name,omitempty"`
	Filters    []Filter     `json:"filters,omitempty"`
	Selection  *Selection   `json:"selection,omitempty"`
}

// roundQuery is a fully rendered round: the SELECT that produces
// (logical_row_id, row_hash, data) for the round's sample.
type roundQuery struct {
	SQL  string
	Args []any
}

// hash60 renders the 60-bit hash of an expression salted with the seed
// placeholder.
func hash60(expr, seedPlaceholder string) string {
	return fmt.Sprintf("('x' || left(md5(%s || %s::text), 15))::bit(60)::bigint", expr, seedPlaceholder)
}

// renderBase builds the residual source: table rows at the source
// commit, minus everything already in temp_sampling_exclusions, with
// the round's filters applied. $1 = commit_id, $2 = table prefix.
func renderBase(filterClause string) string {
	base := `
		SELECT logical_row_id, row_hash, data FROM (
			SELECT cr.logical_row_id, cr.row_hash, r.data
			FROM core.commit_rows cr
			JOIN core.rows r ON r.row_hash = cr.row_hash
			WHERE cr.commit_id = $1
			  AND cr.logical_row_id LIKE $2
			  AND NOT EXISTS (
				SELECT 1 FROM temp_sampling_exclusions ex
				WHERE ex.row_id = cr.logical_row_id
			  )
		) src`
	if filterClause != "" {
		base += "\n\t\tWHERE " + filterClause
	}
	return base
}

// buildRoundQuery renders the templated query for one round.
// estimatedRows drives the seeded-random template choice.
func buildRoundQuery(round RoundConfig, schema models.TableSchema, estimatedRows int64, cfg config.SamplingConfig) (*roundQuery, error) {
	if err := validateSelection(round.Selection, schema); err != nil {
		return nil, err
	}

	filterClause, filterArgs, err := buildFilterClause(round.Filters, schema, 3)
	if err != nil {
		return nil, err
	}
	next := 3 + len(filterArgs)
	base := renderBase(filterClause)

	var sql string
	var args []any

	switch round.Method {
	case MethodRandom:
		sql, args, err = buildRandom(base, round.Parameters, estimatedRows, cfg, next)
	case MethodSystematic:
		sql, args, err = buildSystematic(base, round.Parameters, next)
	case MethodCluster:
		sql, args, err = buildCluster(base, round.Parameters, schema, next)
	case MethodStratified:
		sql, args, err = buildStratified(base, round.Parameters, schema, cfg, next)
	default:
		return nil, werrors.ValidationErrorf("unknown sampling method %q", round.Method)
	}
	if err != nil {
		return nil, err
	}

	sql, err = applySelection(sql, round.Selection, schema)
	if err != nil {
		return nil, err
	}
	return &roundQuery{SQL: sql, Args: append(filterArgs, args...)}, nil
}

func buildRandom(base string, p MethodParams, estimatedRows int64, cfg config.SamplingConfig, next int) (string, []any, error) {
	if p.SampleSize <= 0 {
		return "", nil, werrors.ValidationErrorf("random sampling requires a positive sample_size")
	}

	if p.Seed == nil {
		sql := fmt.Sprintf(`
			SELECT logical_row_id, row_hash, data FROM (%s) candidate
			ORDER BY RANDOM()
			LIMIT $%d`, base, next)
		return sql, []any{p.SampleSize}, nil
	}

	if estimatedRows > int64(cfg.CardinalityThreshold) {
		// Scalable path: reject-filter by hash, no global sort. The
		// oversampling factor covers hash-collision shortfall.
		threshold := scaledThreshold(p.SampleSize, estimatedRows, cfg.OversamplingFactor)
		seedArg := fmt.Sprintf("$%d", next)
		sql := fmt.Sprintf(`
			SELECT logical_row_id, row_hash, data FROM (%s) candidate
			WHERE %s < $%d
			LIMIT $%d`, base, hash60("logical_row_id", seedArg), next+1, next+2)
		return sql, []any{*p.Seed, threshold, p.SampleSize}, nil
	}

	seedArg := fmt.Sprintf("$%d", next)
	sql := fmt.Sprintf(`
		SELECT logical_row_id, row_hash, data FROM (%s) candidate
		ORDER BY md5(logical_row_id || %s::text)
		LIMIT $%d`, base, seedArg, next+1)
	return sql, []any{*p.Seed, p.SampleSize}, nil
}

// scaledThreshold maps desired/estimated onto the 60-bit hash space.
func scaledThreshold(desired, estimated int64, oversampling float64) int64 {
	if estimated <= 0 {
		return hashClamp
	}
	if oversampling <= 0 {
		oversampling = 1.0
	}
	fraction := float64(desired) / float64(estimated) * oversampling
	threshold := int64(fraction * float64(two60))
	if threshold < 0 || threshold > hashClamp || fraction >= 4 {
		return hashClamp
	}
	return threshold
}

func buildSystematic(base string, p MethodParams, next int) (string, []any, error) {
	if p.Interval < 1 {
		return "", nil, werrors.ValidationErrorf("systematic sampling requires interval >= 1")
	}
	start := p.Start
	if start < 1 {
		start = 1
	}
	sql := fmt.Sprintf(`
		SELECT logical_row_id, row_hash, data FROM (
			SELECT logical_row_id, row_hash, data,
			       ROW_NUMBER() OVER (ORDER BY logical_row_id) AS rn
			FROM (%s) candidate
		) numbered
		WHERE (rn + $%d - 1) %% $%d = 0`, base, next, next+1)
	return sql, []any{start, p.Interval}, nil
}

func buildCluster(base string, p MethodParams, schema models.TableSchema, next int) (string, []any, error) {
	if p.ClusterColumn == "" {
		return "", nil, werrors.ValidationErrorf("cluster sampling requires cluster_column")
	}
	col, err := validateColumn(p.ClusterColumn, schema)
	if err != nil {
		return "", nil, err
	}
	if p.NumClusters < 1 {
		return "", nil, werrors.ValidationErrorf("cluster sampling requires num_clusters >= 1")
	}
	if p.ClusterPercentage <= 0 && p.ClusterSize < 1 {
		return "", nil, werrors.ValidationErrorf("cluster sampling requires cluster_percentage or cluster_size")
	}

	clusterVal := fmt.Sprintf("(data->>'%s')", col.Name)
	seed := int64(0)
	if p.Seed != nil {
		seed = *p.Seed
	}
	seedArg := fmt.Sprintf("$%d", next)
	kArg := fmt.Sprintf("$%d", next+1)
	takeArg := fmt.Sprintf("$%d", next+2)

	// The selection threshold is k over the observed cluster count;
	// with few clusters the ratio can exceed one and every cluster is
	// selected. Known edge case, kept as-is.
	withinClause := fmt.Sprintf("rn <= %s", takeArg)
	var takeVal any = p.ClusterSize
	if p.ClusterPercentage > 0 {
		withinClause = fmt.Sprintf("rn <= CEIL(cluster_rows * %s)", takeArg)
		takeVal = p.ClusterPercentage
	}

	sql := fmt.Sprintf(`
		WITH candidate AS (%s),
		clusters AS (
			SELECT DISTINCT %s AS cluster_value FROM candidate
		),
		cluster_count AS (SELECT COUNT(*) AS n FROM clusters),
		selected_clusters AS (
			SELECT cluster_value
			FROM clusters, cluster_count
			WHERE %s < LEAST((%s::numeric / GREATEST(cluster_count.n, 1)) * %d, %d)::bigint
		),
		ranked AS (
			SELECT c.logical_row_id, c.row_hash, c.data,
			       ROW_NUMBER() OVER (
					PARTITION BY %s
					ORDER BY md5(c.logical_row_id || %s::text)
			       ) AS rn,
			       COUNT(*) OVER (PARTITION BY %s) AS cluster_rows
			FROM candidate c
			JOIN selected_clusters s ON %s = s.cluster_value
		)
		SELECT logical_row_id, row_hash, data FROM ranked WHERE %s`,
		base,
		clusterVal,
		hash60("cluster_value", seedArg), kArg, two60, hashClamp,
		strings.Replace(clusterVal, "data", "c.data", 1), seedArg,
		strings.Replace(clusterVal, "data", "c.data", 1),
		strings.Replace(clusterVal, "data", "c.data", 1),
		withinClause)
	return sql, []any{seed, p.NumClusters, takeVal}, nil
}

func buildStratified(base string, p MethodParams, schema models.TableSchema, cfg config.SamplingConfig, next int) (string, []any, error) {
	if len(p.StrataColumns) == 0 {
		return "", nil, werrors.DomainErrorf("stratified sampling requires strata_columns")
	}
	exprs := make([]string, len(p.StrataColumns))
	keys := make([]string, len(p.StrataColumns))
	joins := make([]string, len(p.StrataColumns))
	for i, name := range p.StrataColumns {
		col, err := validateColumn(name, schema)
		if err != nil {
			return "", nil, err
		}
		keys[i] = fmt.Sprintf("k%d", i)
		exprs[i] = fmt.Sprintf("(data->>'%s') AS %s", col.Name, keys[i])
		joins[i] = fmt.Sprintf("r.%s IS NOT DISTINCT FROM a.%s", keys[i], keys[i])
	}
	keyList := strings.Join(keys, ", ")
	exprList := strings.Join(exprs, ", ")
	joinCond := strings.Join(joins, " AND ")

	seed := int64(0)
	if p.Seed != nil {
		seed = *p.Seed
	}
	seedArg := fmt.Sprintf("$%d", next)

	if p.SamplesPerStratum > 0 {
		// Disproportional: fixed N per stratum, ranked by seeded md5.
		sql := fmt.Sprintf(`
			WITH candidate AS (%s),
			ranked AS (
				SELECT logical_row_id, row_hash, data, %s,
				       ROW_NUMBER() OVER (
						PARTITION BY %s
						ORDER BY md5(logical_row_id || %s::text)
				       ) AS rn
				FROM candidate
			)
			SELECT logical_row_id, row_hash, data FROM ranked WHERE rn <= $%d`,
			base, exprList, keyList, seedArg, next+1)
		return sql, []any{seed, p.SamplesPerStratum}, nil
	}

	if p.SampleSize <= 0 {
		return "", nil, werrors.DomainErrorf("proportional stratified sampling requires sample_size or samples_per_stratum")
	}
	minPerStratum := p.MinPerStratum
	if minPerStratum <= 0 {
		minPerStratum = int64(cfg.MinStratumSampleCount)
	}

	sql := fmt.Sprintf(`
		WITH candidate AS (%s),
		strata AS (
			SELECT %s, COUNT(*) AS stratum_size
			FROM candidate
			GROUP BY %s
		),
		total AS (SELECT SUM(stratum_size) AS total_rows FROM strata),
		alloc AS (
			SELECT strata.*, GREATEST(
				$%d::bigint,
				CEIL(stratum_size::numeric / total.total_rows * $%d)::bigint
			) AS allocation
			FROM strata, total
		),
		ranked AS (
			SELECT logical_row_id, row_hash, data, %s,
			       ROW_NUMBER() OVER (
					PARTITION BY %s
					ORDER BY %s
			       ) AS rn
			FROM candidate
		)
		SELECT r.logical_row_id, r.row_hash, r.data
		FROM ranked r
		JOIN alloc a ON %s
		WHERE r.rn <= a.allocation`,
		base, exprList, keyList,
		next+1, next+2,
		exprList, keyList, hash60("logical_row_id", seedArg),
		joinCond)
	return sql, []any{seed, minPerStratum, p.SampleSize}, nil
}
