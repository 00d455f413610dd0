package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/grounded/internal/app"
	"github.com/koopa0/grounded/internal/rag"
)

var (
	querySources []string
	queryTopK    int
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Retrieve and rank matching chunks without generating an answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	queryCmd.Flags().StringSliceVar(&querySources, "sources", nil, "accessible data source IDs (required)")
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 0, "retrieval candidate count (0 = default)")
	_ = queryCmd.MarkFlagRequired("sources")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(ctx context.Context, question string) error {
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

	opts := app.PipelineDefaults(cfg.RAG)
	if queryTopK > 0 {
		opts.TopK = queryTopK
	}

	result, err := a.Pipeline.Query(ctx, rag.QueryRequest{
		Query:             question,
		AccessibleSources: querySources,
		Options:           opts,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Found %d candidate(s), %d cited:\n\n", result.TotalFound, len(result.Citations))
	for _, c := range result.Citations {
		fmt.Printf("[%d] %s (%s)  relevance %.3f\n", c.Index, c.SourceName, c.SourceID, c.Relevance)
		fmt.Printf("    %s\n", c.Preview)
	}
	printWarnings(result.Warnings)
	return nil
}

func printWarnings(warnings []rag.Warning) {
	for _, w := range warnings {
		fmt.Printf("\nwarning: %s (%s)", w.Code, w.Stage)
		if w.Detail != "" {
			fmt.Printf(": %s", w.Detail)
		}
		fmt.Println()
	}
}
