package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evtree-dev/evtree/pkg/session"
)

func init() {
	rootCmd.AddCommand(forkCmd, rewindCmd)
	forkCmd.Flags().String("at", "", "event to fork from (defaults to the source HEAD)")
	forkCmd.Flags().String("title", "", "title for the forked session")
}

var forkCmd = &cobra.Command{
	Use:   "fork <session-id>",
	Short: "Branch a new session from a past event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		eventID, _ := cmd.Flags().GetString("at")
		if eventID == "" {
			rec, err := mgr.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("session not found: %s", args[0])
			}
			eventID = rec.HeadEventID
		}

		title, _ := cmd.Flags().GetString("title")
		forked, err := mgr.Fork(ctx, args[0], eventID, session.ForkOptions{Title: title})
		if err != nil {
			return fmt.Errorf("fork session: %w", err)
		}
		fmt.Println(forked.ID)
		return nil
	},
}

var rewindCmd = &cobra.Command{
	Use:   "rewind <session-id> <event-id>",
	Short: "Move a session's HEAD back to an earlier event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := mgr.Rewind(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("rewind session: %w", err)
		}
		fmt.Printf("HEAD is now %s\n", rec.HeadEventID)
		return nil
	},
}
