package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/registry"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Break-glass audit log tools",
	Long:  `Commands for inspecting the off-ledger break-glass audit log and checking it against the ledger.`,
}

var auditJSONOutput bool

var auditHistoryCmd = &cobra.Command{
	Use:   "history <transcript-id>",
	Short: "List emergency disclosures of a transcript, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := ident.ParseTranscriptID(args[0])
		if err != nil {
			return err
		}
		st, err := openCommandStack(cmd)
		if err != nil {
			return err
		}
		defer st.close()

		entries, err := st.breakglass.AccessHistory(cmd.Context(), id)
		if err != nil {
			return err
		}
		if auditJSONOutput {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No emergency disclosures recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  seq=%d  by %s\n", e.Timestamp.Format(time.RFC3339), e.ID, e.LedgerSeq, e.Accessor)
			fmt.Printf("    reason: %s\n", e.Reason)
			if e.CourtOrder != "" {
				fmt.Printf("    court order: %s\n", e.CourtOrder)
			}
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <transcript-id>",
	Short: "Check the audit log of a transcript against the ledger",
	Long: `Reads every audit entry of the transcript and every BreakGlassAccess event on
the ledger, and checks that each entry is well formed, unique, and anchored
to a matching ledger event. A ledger disclosure without an audit entry is
reported as a warning: it means the audit write failed after the ledger
recorded the access, and no key was returned to the caller.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := ident.ParseTranscriptID(args[0])
		if err != nil {
			return err
		}
		st, err := openCommandStack(cmd)
		if err != nil {
			return err
		}
		defer st.close()

		ctx := cmd.Context()
		entries, err := st.audit.ScanAuditEntries(ctx, id)
		if err != nil {
			return err
		}
		events, err := disclosureEvents(ctx, st.registry, id)
		if err != nil {
			return err
		}

		result := verifyAuditTrail(id, entries, events)
		if auditJSONOutput {
			if err := printJSON(result); err != nil {
				return err
			}
		} else {
			printHumanResult(result)
		}
		if !result.Valid {
			return errAborted
		}
		return nil
	},
}

type verifyResult struct {
	TranscriptID string        `json:"transcriptId"`
	EntryCount   int           `json:"entryCount"`
	EventCount   int           `json:"eventCount"`
	Valid        bool          `json:"valid"`
	Checks       []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) add(name, status, detail string) {
	if status == "fail" {
		r.Valid = false
	}
	r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: detail})
}

// disclosureEvents scans the ledger for BreakGlassAccess events of id.
func disclosureEvents(ctx context.Context, reg *registry.Registry, id ident.TranscriptID) (map[uint64]registry.Event, error) {
	const page = 500
	out := make(map[uint64]registry.Event)
	var after uint64
	for {
		events, err := reg.EventsSince(ctx, after, page)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.Type == registry.EventBreakGlassAccess && ev.TranscriptID == id {
				out[ev.Seq] = ev
			}
			after = ev.Seq
		}
		if len(events) < page {
			return out, nil
		}
	}
}

func verifyAuditTrail(id ident.TranscriptID, entries []audit.Entry, events map[uint64]registry.Event) verifyResult {
	result := verifyResult{
		TranscriptID: id.String(),
		EntryCount:   len(entries),
		EventCount:   len(events),
		Valid:        true,
	}

	// 1. Well-formed entries for this transcript.
	wellFormed := "pass"
	var detail string
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			wellFormed, detail = "fail", fmt.Sprintf("entry %d (id=%s): %v", i, e.ID, err)
			break
		}
		if e.TranscriptID != id {
			wellFormed, detail = "fail", fmt.Sprintf("entry %d (id=%s) belongs to %s", i, e.ID, e.TranscriptID)
			break
		}
	}
	result.add("entries_well_formed", wellFormed, detail)

	// 2. No duplicate IDs or ledger sequence numbers.
	ids := make(map[string]int, len(entries))
	seqs := make(map[uint64]int, len(entries))
	unique, detail := "pass", ""
	for i, e := range entries {
		if prev, ok := ids[e.ID]; ok {
			unique, detail = "fail", fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		ids[e.ID] = i
		if e.LedgerSeq == 0 {
			continue
		}
		if prev, ok := seqs[e.LedgerSeq]; ok {
			unique, detail = "fail", fmt.Sprintf("entry %d and entry %d share ledger seq %d", prev, i, e.LedgerSeq)
			break
		}
		seqs[e.LedgerSeq] = i
	}
	result.add("no_duplicates", unique, detail)

	// 3. Each entry points at a matching ledger disclosure.
	anchored, detail := "pass", ""
	for i, e := range entries {
		if e.LedgerSeq == 0 {
			anchored, detail = "warn", fmt.Sprintf("entry %d (id=%s) has no ledger sequence", i, e.ID)
			continue
		}
		ev, ok := events[e.LedgerSeq]
		if !ok {
			anchored, detail = "fail", fmt.Sprintf("entry %d (id=%s) references seq %d, which is not a disclosure of this transcript", i, e.ID, e.LedgerSeq)
			break
		}
		if ev.Accessor != e.Accessor || ev.Reason != e.Reason || ev.CourtOrder != e.CourtOrder {
			anchored, detail = "fail", fmt.Sprintf("entry %d (id=%s) differs from ledger event %d", i, e.ID, e.LedgerSeq)
			break
		}
	}
	result.add("ledger_anchored", anchored, detail)

	// 4. Each ledger disclosure has an audit entry.
	covered, detail := "pass", ""
	missing := 0
	for seq := range events {
		if _, ok := seqs[seq]; !ok {
			missing++
		}
	}
	if missing > 0 {
		covered, detail = "warn", fmt.Sprintf("%d ledger disclosure(s) have no audit entry", missing)
	}
	result.add("ledger_covered", covered, detail)

	// 5. Newest-first ordering, as every backend returns it.
	ordered, detail := "pass", ""
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			ordered, detail = "warn", fmt.Sprintf("entry %d is newer than entry %d", i, i-1)
			break
		}
	}
	result.add("newest_first", ordered, detail)

	return result
}

func printHumanResult(result verifyResult) {
	fmt.Printf("Audit verification: %s\n", result.TranscriptID)
	fmt.Printf("Entries: %d, ledger disclosures: %d\n\n", result.EntryCount, result.EventCount)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Printf("%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Printf("%s %s\n", tag, c.Name)
		}
	}

	fmt.Println()
	if result.Valid {
		fmt.Printf("Result: VALID (%d warning(s))\n", warnings)
	} else {
		fmt.Printf("Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditHistoryCmd, auditVerifyCmd)
	auditCmd.PersistentFlags().BoolVar(&auditJSONOutput, "json", false, "Output results as JSON")
}
