package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	replayFrom      uint64
	indexJSONOutput bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and repair the off-ledger index",
	Long: `Commands for the index derived from ledger events. The index can always be
rebuilt from the ledger, so replay is safe to run at any time the server is
stopped.`,
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ledger head, index checkpoint and failed event count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openCommandStack(cmd)
		if err != nil {
			return err
		}
		defer st.close()
		ctx := cmd.Context()

		head, err := st.registry.Head(ctx)
		if err != nil {
			return err
		}
		failed, err := st.index.FailedEvents(ctx)
		if err != nil {
			return err
		}
		checkpoint := st.listener().Checkpoint()
		if indexJSONOutput {
			return printJSON(map[string]any{"head": head, "checkpoint": checkpoint, "failed": len(failed)})
		}
		fmt.Printf("Ledger head:   %d\n", head)
		fmt.Printf("Checkpoint:    %d (%d behind)\n", checkpoint, head-min(checkpoint, head))
		fmt.Printf("Failed events: %d\n", len(failed))
		return nil
	},
}

var indexReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-apply ledger events to the index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openCommandStack(cmd)
		if err != nil {
			return err
		}
		defer st.close()

		n, err := st.listener().Replay(cmd.Context(), replayFrom)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		fmt.Printf("Replayed %d event(s) after seq %d\n", n, replayFrom)
		return nil
	},
}

var indexRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Retry ledger events whose index handler failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openCommandStack(cmd)
		if err != nil {
			return err
		}
		defer st.close()

		n, err := st.index.RetryFailed(cmd.Context())
		if err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		fmt.Printf("Recovered %d event(s)\n", n)
		return nil
	},
}

var indexFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List ledger events whose index handler failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openCommandStack(cmd)
		if err != nil {
			return err
		}
		defer st.close()

		failed, err := st.index.FailedEvents(cmd.Context())
		if err != nil {
			return err
		}
		if indexJSONOutput {
			return printJSON(failed)
		}
		if len(failed) == 0 {
			fmt.Println("No failed events.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tTRANSCRIPT\tATTEMPTS\tFAILED AT\tERROR")
		for _, fe := range failed {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", fe.Event.Seq, fe.Event.Type, fe.Event.TranscriptID,
				fe.Attempts, fe.FailedAt.Format(time.RFC3339), fe.Error)
		}
		return w.Flush()
	},
}

// openCommandStack loads the configuration and opens every component for a
// one-shot maintenance command.
func openCommandStack(cmd *cobra.Command) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStack(cmd.Context(), cfg, newLogger(cfg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexStatusCmd, indexReplayCmd, indexRetryCmd, indexFailedCmd)
	indexCmd.PersistentFlags().BoolVar(&indexJSONOutput, "json", false, "Output results as JSON")
	indexReplayCmd.Flags().Uint64Var(&replayFrom, "from", 0, "Replay events after this sequence number")
}
