package eda

import (
	"sort"
)

// missingMatrixRows and missingMatrixCols bound the NULL-pattern matrix.
const (
	missingMatrixRows = 100
	missingMatrixCols = 20
	missingTopN       = 20
)

// missingSummary is the headline block payload.
type missingSummary struct {
	TotalCells      int64   `json:"total_cells"`
	MissingCells    int64   `json:"missing_cells"`
	MissingPct      float64 `json:"missing_pct"`
	ColumnsAffected int     `json:"columns_affected"`
	RowsAffected    int64   `json:"rows_affected"`
}

type missingByColumn struct {
	Column       string  `json:"column"`
	MissingCount int64   `json:"missing_count"`
	MissingPct   float64 `json:"missing_pct"`
}

// computeMissing does one pass over the rows and emits the summary
// block, a top-N by-column table, and the boolean NULL-pattern matrix
// for the leading rows and columns.
func computeMissing(rows []map[string]interface{}, orderedColumns []string) []Block {
	rowCount := int64(len(rows))
	colCount := int64(len(orderedColumns))

	perColumn := map[string]int64{}
	var rowsAffected int64
	for _, row := range rows {
		rowMissing := false
		for _, col := range orderedColumns {
			v, present := row[col]
			if !present || v == nil {
				perColumn[col]++
				rowMissing = true
			}
		}
		if rowMissing {
			rowsAffected++
		}
	}

	var missingCells int64
	var affected int
	byColumn := make([]missingByColumn, 0, len(orderedColumns))
	for _, col := range orderedColumns {
		n := perColumn[col]
		missingCells += n
		if n > 0 {
			affected++
		}
		byColumn = append(byColumn, missingByColumn{
			Column:       col,
			MissingCount: n,
			MissingPct:   pct(n, rowCount),
		})
	}
	sort.Slice(byColumn, func(i, j int) bool {
		if byColumn[i].MissingCount != byColumn[j].MissingCount {
			return byColumn[i].MissingCount > byColumn[j].MissingCount
		}
		return byColumn[i].Column < byColumn[j].Column
	})
	if len(byColumn) > missingTopN {
		byColumn = byColumn[:missingTopN]
	}

	summary := missingSummary{
		TotalCells:      rowCount * colCount,
		MissingCells:    missingCells,
		MissingPct:      pct(missingCells, rowCount*colCount),
		ColumnsAffected: affected,
		RowsAffected:    rowsAffected,
	}

	matrixCols := orderedColumns
	if len(matrixCols) > missingMatrixCols {
		matrixCols = matrixCols[:missingMatrixCols]
	}
	matrixRows := len(rows)
	if matrixRows > missingMatrixRows {
		matrixRows = missingMatrixRows
	}
	matrix := make([][]bool, matrixRows)
	for i := 0; i < matrixRows; i++ {
		matrix[i] = make([]bool, len(matrixCols))
		for j, col := range matrixCols {
			v, present := rows[i][col]
			matrix[i][j] = !present || v == nil
		}
	}

	return []Block{
		{Title: "Missing values summary", RenderAs: RenderKeyValuePairs, Data: summary},
		{Title: "Missing values by column", RenderAs: RenderTable, Data: byColumn},
		{
			Title:    "Missing value patterns",
			RenderAs: RenderMatrix,
			Data: map[string]interface{}{
				"columns": matrixCols,
				"rows":    matrix,
			},
			Description: "true marks a NULL cell; leading rows and columns only",
		},
	}
}
