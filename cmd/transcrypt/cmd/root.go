package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "transcrypt",
	Short: "Transcrypt anchors academic transcripts to an access-control ledger",
	Long: `Transcrypt issues encrypted academic transcripts, keeps per-reader wrapped
keys on an append-only ledger, and lets a ministry perform audited
emergency (break-glass) disclosure.

Configuration is read from --config (YAML) and TRANSCRYPT_* environment
variables. Environment variables take precedence over the file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		if !errors.Is(err, errAborted) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRANSCRYPT_CONFIG"), "Path to a YAML config file")
}
