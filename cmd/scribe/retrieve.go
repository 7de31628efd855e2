package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var retrieveTopK int

var retrieveCmd = &cobra.Command{
	Use:   "retrieve QUERY",
	Short: "Find the indexed chunks most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		query := strings.Join(args, " ")
		results, err := a.pipeline.Retrieve(ctx, query, retrieveTopK)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matching chunks; ingest some sources first")
			return nil
		}

		for i, r := range results {
			fmt.Printf("[%d] score=%.4f  %s (chunk %d)\n", i+1, r.Score, r.SourceURL, r.Chunk.Index)
			fmt.Println(indent(r.Chunk.Text, "    "))
			fmt.Println()
		}
		return nil
	},
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func init() {
	retrieveCmd.Flags().IntVarP(&retrieveTopK, "top-k", "k", 5, "number of chunks to return")
	rootCmd.AddCommand(retrieveCmd)
}
