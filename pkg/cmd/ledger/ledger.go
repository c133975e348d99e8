package ledger

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/racetimer-go/pkg/ledger"
)

var asJSON bool

func NewLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "commands for timing files",
	}
	cmd.AddCommand(newShowCmd())
	return cmd
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "shows the durations and winners of a timing file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := ledger.New()
			if err := l.Load(args[0]); err != nil {
				return err
			}
			return show(cmd.OutOrStdout(), l.Snapshot(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the normalized record as JSON")
	return cmd
}

func show(w io.Writer, s ledger.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s.Summary())
	}
	if s.EventID != "" {
		fmt.Fprintf(w, "race:   %s\n", s.EventID)
	}
	if !s.HasStart() {
		fmt.Fprintln(w, "start:  -")
		return nil
	}
	fmt.Fprintf(w, "start:  %s\n", s.StartTime.Format(ledger.TimeLayout))
	for _, e := range s.Entries {
		d := e.Time.Sub(s.StartTime)
		fmt.Fprintf(w, "lane %d: %s", e.Lane, ledger.FormatDuration(d))
		if e.ParticipantID != "" {
			fmt.Fprintf(w, " (%s)", e.ParticipantID)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "winners: %v\n", s.Winners())
	return nil
}
