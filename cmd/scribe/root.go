package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe - research companion for writers",
	Long: `Scribe ingests web pages into a searchable knowledge base and answers
questions grounded in what it has read.

Point it at the sources you are writing about, then retrieve the passages
most relevant to a query or ask a question and get a cited answer.`,
	SilenceUsage: true,
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "enable debug logging")
}
