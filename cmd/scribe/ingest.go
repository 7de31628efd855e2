package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest URL [URL...]",
	Short: "Fetch, chunk, embed and index one or more web pages",
	Long: `Ingest fetches each URL, extracts its readable text, splits it into
chunks, embeds them and stores the result. Re-ingesting a URL replaces its
previous chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		reports, err := a.pipeline.IngestAll(ctx, args)
		for _, r := range reports {
			fmt.Printf("%s: %d chunks in %s", r.URL, r.Chunks, r.Duration.Round(time.Millisecond))
			if r.Skipped > 0 {
				fmt.Printf(" (%d chunks skipped)", r.Skipped)
			}
			fmt.Println()
		}
		if err != nil {
			return fmt.Errorf("some URLs failed: %w", err)
		}

		m := a.pipeline.Metrics()
		fmt.Printf("\ningested %d documents (fetch cache %d/%d hits, embed cache %d/%d hits)\n",
			m.DocumentsIngested,
			m.FetchCacheHits, m.FetchCacheHits+m.FetchCacheMisses,
			m.EmbedCacheHits, m.EmbedCacheHits+m.EmbedCacheMisses)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
