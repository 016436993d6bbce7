package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/workbench-io/workbench-go/internal/commitstore"
	"github.com/workbench-io/workbench-go/internal/convert"
)

// analysisSampleLimit bounds how many rows the post-import profile reads.
const analysisSampleLimit = 10000

// analysisSampleValues caps the stored sample values per column.
const analysisSampleValues = 100

// columnProfile is the per-column slice of a table_analysis document.
type columnProfile struct {
	Type         string        `json:"type"`
	NullCount    int64         `json:"null_count"`
	UniqueCount  int64         `json:"unique_count"`
	SampleValues []interface{} `json:"sample_values"`
}

// tableProfile is the table_analysis document the import writes.
type tableProfile struct {
	RowCount    int64                    `json:"row_count"`
	SampledRows int64                    `json:"sampled_rows"`
	Columns     map[string]columnProfile `json:"columns"`
}

// runMaintenance computes table_analysis for each imported table,
// vacuums the hot tables, and refreshes the search view. Statement
// timeout is raised only inside this work.
func (e *Executor) runMaintenance(ctx context.Context, commitID string, tables []convert.TableOutput) error {
	for _, table := range tables {
		profile, err := e.profileTable(ctx, commitID, table.TableKey)
		if err != nil {
			return err
		}
		if err := e.store.UpsertTableAnalysis(ctx, e.pool, commitID, table.TableKey, profile); err != nil {
			return err
		}
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire maintenance connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SET statement_timeout = '30min'`); err != nil {
		return fmt.Errorf("failed to raise statement timeout: %w", err)
	}
	defer conn.Exec(ctx, `RESET statement_timeout`)

	for _, stmt := range []string{
		`VACUUM ANALYZE core.rows`,
		`VACUUM ANALYZE core.commit_rows`,
		`REFRESH MATERIALIZED VIEW CONCURRENTLY search.datasets_summary`,
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			logrus.WithFields(logrus.Fields{
				"statement": stmt,
				"error":     err,
			}).Warn("Maintenance statement failed")
		}
	}
	return nil
}

// profileTable samples up to analysisSampleLimit rows of one table at
// the commit and summarises types, nulls, unique counts and sample
// values per column.
func (e *Executor) profileTable(ctx context.Context, commitID, tableKey string) (*tableProfile, error) {
	total, err := e.store.CountRows(ctx, e.pool, commitID, tableKey)
	if err != nil {
		return nil, err
	}

	rows, err := e.pool.Query(ctx, `
		SELECT r.data
		FROM core.commit_rows cr
		JOIN core.rows r ON r.row_hash = cr.row_hash
		WHERE cr.commit_id = $1 AND cr.logical_row_id LIKE $2
		ORDER BY cr.logical_row_id
		LIMIT $3
	`, commitID, commitstore.TableKeyPrefix(tableKey), analysisSampleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample rows for analysis: %w", err)
	}
	defer rows.Close()

	var sampled []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan sampled row: %w", err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode sampled row: %w", err)
		}
		sampled = append(sampled, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return buildProfile(total, sampled), nil
}

// buildProfile summarises sampled payloads into the analysis document.
func buildProfile(totalRows int64, sampled []map[string]interface{}) *tableProfile {
	profile := &tableProfile{
		RowCount:    totalRows,
		SampledRows: int64(len(sampled)),
		Columns:     make(map[string]columnProfile),
	}

	names := map[string]struct{}{}
	for _, row := range sampled {
		for k := range row {
			names[k] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(names))
	for k := range names {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		var nulls int64
		seen := map[string]struct{}{}
		colType := ""
		var samples []interface{}
		for _, row := range sampled {
			v, present := row[name]
			if !present || v == nil {
				nulls++
				continue
			}
			colType = PromoteObserved(colType, v)
			key := fmt.Sprintf("%v", v)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				if len(samples) < analysisSampleValues {
					samples = append(samples, v)
				}
			}
		}
		if colType == "" {
			colType = convert.TypeText
		}
		profile.Columns[name] = columnProfile{
			Type:         colType,
			NullCount:    nulls,
			UniqueCount:  int64(len(seen)),
			SampleValues: samples,
		}
	}
	return profile
}

// PromoteObserved folds a decoded JSON value into a running column type.
func PromoteObserved(current string, v interface{}) string {
	var observed string
	switch t := v.(type) {
	case bool:
		observed = convert.TypeBoolean
	case float64:
		if t == float64(int64(t)) {
			observed = convert.TypeInteger
		} else {
			observed = convert.TypeDouble
		}
	case int64:
		observed = convert.TypeInteger
	default:
		observed = convert.TypeText
	}
	return convert.PromoteType(current, observed)
}
