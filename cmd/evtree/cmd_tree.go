package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/evtree-dev/evtree/pkg/event"
	"github.com/evtree-dev/evtree/pkg/graph"
)

func init() {
	rootCmd.AddCommand(treeCmd)
}

var treeCmd = &cobra.Command{
	Use:   "tree <session-id>",
	Short: "Render a session's event tree, branch points and all",
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

		events, err := mgr.Events(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No events.")
			return nil
		}

		onPath, err := mgr.Navigator().PathToHead(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("walk active path: %w", err)
		}

		byID := make(map[string]*event.Event, len(events))
		children := make(map[string][]*event.Event, len(events))
		var roots []*event.Event
		for _, ev := range events {
			byID[ev.ID] = ev
		}
		for _, ev := range events {
			if ev.ParentID != "" && byID[ev.ParentID] != nil {
				children[ev.ParentID] = append(children[ev.ParentID], ev)
			} else {
				roots = append(roots, ev)
			}
		}
		for _, kids := range children {
			sort.Slice(kids, func(i, j int) bool { return kids[i].Sequence < kids[j].Sequence })
		}

		branchPoints := graph.BranchPoints(events)

		var render func(ev *event.Event, prefix string, last bool)
		render = func(ev *event.Event, prefix string, last bool) {
			connector := "├─ "
			childPrefix := prefix + "│  "
			if last {
				connector = "└─ "
				childPrefix = prefix + "   "
			}
			if prefix == "" && !last {
				connector = ""
				childPrefix = ""
			}

			var marks []string
			if ev.ID == rec.HeadEventID {
				marks = append(marks, "HEAD")
			}
			if branchPoints[ev.ID] {
				marks = append(marks, "branch")
			}
			if !onPath[ev.ID] {
				marks = append(marks, "off-path")
			}
			suffix := ""
			if len(marks) > 0 {
				suffix = " [" + strings.Join(marks, ", ") + "]"
			}

			fmt.Printf("%s%s%s %s%s\n", prefix, connector, ev.ID, ev.Type, suffix)

			kids := children[ev.ID]
			for i, kid := range kids {
				render(kid, childPrefix, i == len(kids)-1)
			}
		}

		for _, root := range roots {
			render(root, "", true)
		}

		forks, err := mgr.Navigator().SiblingSessions(ctx, rec.HeadEventID, rec.ID)
		if err == nil && len(forks) > 0 {
			fmt.Println()
			fmt.Println("Forked from HEAD:")
			for _, f := range forks {
				fmt.Printf("  %s %s\n", f.ID, f.Title)
			}
		}
		return nil
	},
}
