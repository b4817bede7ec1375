package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evtree-dev/evtree/pkg/event"
	"github.com/evtree-dev/evtree/pkg/session"
	"github.com/evtree-dev/evtree/pkg/store"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd, sessionsTitleCmd, sessionsArchiveCmd, sessionsUnarchiveCmd)

	sessionsListCmd.Flags().Bool("all", false, "include archived sessions")
	sessionsListCmd.Flags().Int("limit", 0, "maximum number of sessions to show")
	sessionsCreateCmd.Flags().String("title", "", "session title")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := mgr.List(ctx, store.ListOptions{IncludeArchived: all, Limit: limit})
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		previews := fetchPreviews(ctx, mgr, list)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tEVENTS\tMESSAGES\tUPDATED\tLAST MESSAGE")
		for _, rec := range list {
			title := rec.Title
			if rec.IsFork && title == "" {
				title = "(fork)"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				rec.ID,
				title,
				rec.EventCount,
				rec.MessageCount,
				rec.UpdatedAt.Format("2006-01-02 15:04:05"),
				previews[rec.ID],
			)
		}
		return w.Flush()
	},
}

// fetchPreviews resolves the last message on each session's active path,
// fanning out one lookup per session. Failures degrade to an empty cell.
func fetchPreviews(ctx context.Context, mgr *session.Manager, list []*store.SessionRecord) map[string]string {
	previews := make(map[string]string, len(list))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range list {
		rec := rec
		g.Go(func() error {
			chain, err := mgr.Navigator().AncestorChain(ctx, rec.HeadEventID)
			if err != nil {
				return nil
			}
			for i := len(chain) - 1; i >= 0; i-- {
				if !chain[i].IsMessage() {
					continue
				}
				mu.Lock()
				previews[rec.ID] = previewText(chain[i])
				mu.Unlock()
				break
			}
			return nil
		})
	}
	// Worker errors are swallowed above; previews are best effort.
	_ = g.Wait()
	return previews
}

func previewText(ev *event.Event) string {
	var text string
	for _, key := range []string{"content", "text"} {
		if s, ok := ev.Payload[key].(string); ok && s != "" {
			text = s
			break
		}
	}
	const max = 48
	if runes := []rune(text); len(runes) > max {
		text = string(runes[:max-3]) + "..."
	}
	return text
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		title, _ := cmd.Flags().GetString("title")
		rec, err := mgr.Create(ctx, session.CreateOptions{Title: title})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		fmt.Println(rec.ID)
		return nil
	},
}

var sessionsTitleCmd = &cobra.Command{
	Use:   "title <session-id> <title>",
	Short: "Set a session's title",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := mgr.SetTitle(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("set title: %w", err)
		}
		return nil
	},
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := mgr.Archive(ctx, args[0]); err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		return nil
	},
}

var sessionsUnarchiveCmd = &cobra.Command{
	Use:   "unarchive <session-id>",
	Short: "Restore an archived session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, cleanup, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := mgr.Unarchive(ctx, args[0]); err != nil {
			return fmt.Errorf("unarchive session: %w", err)
		}
		return nil
	},
}
