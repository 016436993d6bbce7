package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/workbench-io/workbench-go/internal/commitstore"
)

// Logical row IDs count lines of the source file, where line 1 is the
// header. The first data row is line 2.
const firstLineNumber = 2

// Postgres caps bind parameters per statement at 65535.
const maxStatementParams = 65535

// paramsPerRow: logical_row_id, row_hash, data. The commit ID binds once.
const paramsPerRow = 3

// rowInsert is one canonicalised row ready for insertion.
type rowInsert struct {
	LogicalRowID string
	RowHash      string
	Data         []byte
}

// insertBatch atomically attaches a batch to a commit: a single CTE
// inserts the deduplicated payloads into rows, then the commit_rows
// entries for this commit. Batches whose parameter count would exceed
// the statement bound are split recursively.
func insertBatch(ctx context.Context, q commitstore.Querier, commitID string, batch []rowInsert) error {
	if len(batch) == 0 {
		return nil
	}
	if len(batch)*paramsPerRow+1 > maxStatementParams {
		mid := len(batch) / 2
		if err := insertBatch(ctx, q, commitID, batch[:mid]); err != nil {
			return err
		}
		return insertBatch(ctx, q, commitID, batch[mid:])
	}

	sql, args := buildBatchSQL(commitID, batch)
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to insert batch of %d rows: %w", len(batch), err)
	}
	return nil
}

// buildBatchSQL renders the two-stage CTE insert. rows takes the
// ON CONFLICT DO NOTHING so concurrent imports deduplicate on the
// row_hash unique constraint.
func buildBatchSQL(commitID string, batch []rowInsert) (string, []any) {
	args := make([]any, 0, len(batch)*paramsPerRow+1)
	args = append(args, commitID)

	var values strings.Builder
	for i, row := range batch {
		if i > 0 {
			values.WriteByte(',')
		}
		base := i*paramsPerRow + 2
		fmt.Fprintf(&values, "($%d,$%d,$%d::jsonb)", base, base+1, base+2)
		args = append(args, row.LogicalRowID, row.RowHash, string(row.Data))
	}

	sql := fmt.Sprintf(`
		WITH batch (logical_row_id, row_hash, data) AS (
			VALUES %s
		),
		inserted_rows AS (
			INSERT INTO core.rows (row_hash, data)
			SELECT DISTINCT ON (row_hash) row_hash, data FROM batch
			ON CONFLICT (row_hash) DO NOTHING
		)
		INSERT INTO core.commit_rows (commit_id, logical_row_id, row_hash)
		SELECT $1, logical_row_id, row_hash FROM batch
		ON CONFLICT (commit_id, logical_row_id) DO NOTHING
	`, values.String())
	return sql, args
}

// splitCount reports how many statements a batch of n rows needs under
// the parameter bound.
func splitCount(n int) int {
	if n == 0 {
		return 0
	}
	if n*paramsPerRow+1 <= maxStatementParams {
		return 1
	}
	return splitCount(n/2) + splitCount(n-n/2)
}
