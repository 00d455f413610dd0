package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koopa0/grounded/internal/app"
)

var (
	jobsSource string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List ingestion jobs, or show one job by ID",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return runJobs(cmd.Context(), id)
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsSource, "source", "", "filter by data source ID")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs to list")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(ctx context.Context, jobID string) error {
	logger := initLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if jobID != "" {
		job, err := a.Pipeline.JobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		fmt.Printf("Job %s\n", job.ID)
		fmt.Printf("  Source:    %s\n", job.DataSourceID)
		fmt.Printf("  State:     %s\n", job.State)
		fmt.Printf("  Documents: %d\n", job.DocumentsIndexed)
		fmt.Printf("  Chunks:    %d\n", job.ChunksCreated)
		if job.Error != "" {
			fmt.Printf("  Error:     %s\n", job.Error)
		}
		fmt.Printf("  Updated:   %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	}

	jobs, err := a.Pipeline.ListJobs(ctx, jobsSource, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No ingestion jobs found.")
		return nil
	}

	fmt.Printf("%-36s  %-12s  %-10s  %5s  %6s\n", "ID", "SOURCE", "STATE", "DOCS", "CHUNKS")
	for _, job := range jobs {
		fmt.Printf("%-36s  %-12s  %-10s  %5d  %6d\n",
			job.ID, job.DataSourceID, job.State, job.DocumentsIndexed, job.ChunksCreated)
	}
	return nil
}
