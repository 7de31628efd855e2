package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var askTopK int

var askCmd = &cobra.Command{
	Use:   "ask QUESTION",
	Short: "Answer a question grounded in the indexed sources",
	Long: `Ask retrieves the chunks most relevant to the question and asks the
chat model for an answer based on them. Sources used are listed after the
answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		question := strings.Join(args, " ")
		answer, results, err := a.pipeline.Answer(ctx, question, askTopK)
		if err != nil {
			return err
		}

		fmt.Println(answer)
		fmt.Println()
		fmt.Println("Sources:")
		seen := make(map[string]bool)
		for _, r := range results {
			if seen[r.SourceURL] {
				continue
			}
			seen[r.SourceURL] = true
			fmt.Printf("  - %s\n", r.SourceURL)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 5, "number of chunks to ground the answer on")
	rootCmd.AddCommand(askCmd)
}
