package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workbench-io/workbench-go/internal/database"
	"github.com/workbench-io/workbench-go/internal/worker"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := database.NewClient(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := worker.NewStore(db.Pool()).Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job:       %s\n", run.ID)
	fmt.Printf("Type:      %s\n", run.RunType)
	fmt.Printf("Dataset:   %s\n", run.DatasetID)
	fmt.Printf("Status:    %s\n", run.Status)
	fmt.Printf("Submitted: %s\n", run.RunTimestamp.Format("2006-01-02 15:04:05"))

	var params struct {
		Progress map[string]interface{} `json:"progress"`
	}
	if len(run.RunParameters) > 0 {
		if err := json.Unmarshal(run.RunParameters, &params); err == nil && len(params.Progress) > 0 {
			pretty, _ := json.MarshalIndent(params.Progress, "", "  ")
			fmt.Printf("Progress:  %s\n", pretty)
		}
	}

	if run.ErrorMessage != nil {
		fmt.Printf("Error:     %s\n", *run.ErrorMessage)
	}
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if run.ExecutionTimeMS != nil {
		fmt.Printf("Duration:  %dms\n", *run.ExecutionTimeMS)
	}
	if len(run.OutputSummary) > 0 {
		pretty, _ := json.MarshalIndent(json.RawMessage(run.OutputSummary), "", "  ")
		fmt.Printf("Summary:   %s\n", pretty)
	}
	return nil
}
