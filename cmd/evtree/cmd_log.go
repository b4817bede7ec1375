package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().Bool("full", false, "show all events in the session, not just the active path")
	logCmd.Flags().Bool("json", false, "print events as JSON lines")
}

var logCmd = &cobra.Command{
	Use:   "log <session-id>",
	Short: "Show the active path of a session, root to HEAD",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := mgr.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("session not found: %s", args[0])
		}

		chain, err := mgr.Navigator().AncestorChain(ctx, rec.HeadEventID)
		if err != nil {
			return fmt.Errorf("walk ancestry: %w", err)
		}

		full, _ := cmd.Flags().GetBool("full")
		if !full {
			// Drop inherited events so the log starts at this session.
			trimmed := chain[:0]
			for _, ev := range chain {
				if ev.SessionID == rec.ID {
					trimmed = append(trimmed, ev)
				}
			}
			chain = trimmed
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, ev := range chain {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tID\tTYPE\tSESSION\tTIME")
		for _, ev := range chain {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				ev.Sequence,
				ev.ID,
				ev.Type,
				ev.SessionID,
				ev.Timestamp.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
