package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evtree-dev/evtree/pkg/event"
	"github.com/evtree-dev/evtree/pkg/session"
)

func init() {
	rootCmd.AddCommand(appendCmd, deleteMessageCmd)
	appendCmd.Flags().String("payload", "", "event payload as a JSON object")
	appendCmd.Flags().String("id", "", "explicit event id for idempotent retries")
	deleteMessageCmd.Flags().String("reason", "", "why the message is being removed")
}

var appendCmd = &cobra.Command{
	Use:   "append <session-id> <type>",
	Short: "Append an event to a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var payload map[string]any
		if raw, _ := cmd.Flags().GetString("payload"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
		}

		eventID, _ := cmd.Flags().GetString("id")
		ev, err := mgr.Append(ctx, session.AppendRequest{
			SessionID: args[0],
			Type:      event.Type(args[1]),
			Payload:   payload,
			EventID:   eventID,
		})
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		fmt.Println(ev.ID)
		return nil
	},
}

var deleteMessageCmd = &cobra.Command{
	Use:   "delete-message <session-id> <event-id>",
	Short: "Mark a message as deleted without removing it from the log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		reason, _ := cmd.Flags().GetString("reason")
		ev, err := mgr.DeleteMessage(ctx, args[0], args[1], reason)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		fmt.Println(ev.ID)
		return nil
	},
}
