package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/workbench-io/workbench-go/internal/database"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/worker"
)

var (
	submitRunType    string
	submitDatasetID  string
	submitCommitID   string
	submitUserID     string
	submitParamsFile string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueue an analysis job",
	Long: `Inserts a pending row into the jobs table. The run parameters are
read from a JSON file whose shape matches the target executor.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitRunType, "type", "", "run type (import, sampling, sql_transform, exploration)")
	submitCmd.Flags().StringVar(&submitDatasetID, "dataset", "", "dataset ID")
	submitCmd.Flags().StringVar(&submitCommitID, "commit", "", "source commit ID")
	submitCmd.Flags().StringVar(&submitUserID, "user", "", "submitting user ID")
	submitCmd.Flags().StringVar(&submitParamsFile, "params", "", "path to run parameters JSON file")

	submitCmd.MarkFlagRequired("type")
	submitCmd.MarkFlagRequired("dataset")
	submitCmd.MarkFlagRequired("user")
	submitCmd.MarkFlagRequired("params")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(submitParamsFile)
	if err != nil {
		return fmt.Errorf("failed to read parameters file: %w", err)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("parameters file %s is not valid JSON", submitParamsFile)
	}

	ctx := context.Background()
	db, err := database.NewClient(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	run := &models.AnalysisRun{
		ID:            uuid.NewString(),
		RunType:       models.RunType(submitRunType),
		DatasetID:     submitDatasetID,
		UserID:        submitUserID,
		RunParameters: raw,
	}
	if submitCommitID != "" {
		run.SourceCommitID = &submitCommitID
	}

	stored, err := worker.NewStore(db.Pool()).Submit(ctx, run)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted %s job %s\n", stored.RunType, stored.ID)
	return nil
}
