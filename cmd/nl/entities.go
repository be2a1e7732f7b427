package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nightlobster/internal/app"
	"nightlobster/internal/domain"
	"nightlobster/internal/engine"
	"nightlobster/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProject(ctx, opts, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Purpose, "purpose", "", "what the project is for")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Purpose", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Purpose, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	var constraints string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if constraints != "" {
				if !json.Valid([]byte(constraints)) {
					return fmt.Errorf("--constraints must be a JSON object")
				}
				opts.Constraints = json.RawMessage(constraints)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.CreateMission(ctx, opts, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "mission title")
	cmd.Flags().StringVar(&opts.Objective, "objective", "", "mission objective")
	cmd.Flags().StringVar(&constraints, "constraints", "", "constraints as a JSON object")
	cmd.Flags().StringSliceVar(&opts.SuccessCriteria, "criteria", nil, "success criterion (repeatable)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (default scheduled)")
	cmd.Flags().StringVar(&opts.ScheduledFor, "scheduled-for", "", "RFC3339 time the mission becomes due")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func missionListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListMissions(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Scheduled For", "Updated"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, deref(m.ScheduledFor), m.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m, err := rt.Engine.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func handoffCmd() *cobra.Command {
	h := &cobra.Command{Use: "handoff", Short: "Manage handoff envelopes"}
	h.AddCommand(handoffCreateCmd())
	h.AddCommand(handoffListCmd())
	h.AddCommand(handoffShowCmd())
	return h
}

func handoffCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a handoff envelope read from a JSON file (- for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				h, err := rt.Engine.CreateHandoff(ctx, raw, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "envelope file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func handoffListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handoffs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListHandoffs(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mission", "Mode", "Status", "Source", "Created"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.ID, h.MissionID, h.TargetMode, h.Status, h.SourceProvider, h.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	return cmd
}

func handoffShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <handoff-id>",
		Short: "Show a handoff and its envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				h, err := rt.Engine.GetHandoff(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
}

func workItemCmd() *cobra.Command {
	w := &cobra.Command{Use: "workitem", Aliases: []string{"wi"}, Short: "Manage work items"}
	w.AddCommand(workItemCreateCmd())
	w.AddCommand(workItemListCmd())
	w.AddCommand(workItemShowCmd())
	w.AddCommand(workItemUpdateCmd())
	w.AddCommand(workItemLinkCmd())
	w.AddCommand(workItemUnlinkCmd())
	return w
}

func workItemCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Engine.CreateWorkItem(ctx, opts, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "", "free-form type, e.g. bug or feature")
	cmd.Flags().StringVar(&opts.Status, "status", "", "backlog, in_progress, blocked or done")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority 1 (highest) to 5")
	cmd.Flags().StringSliceVar(&opts.GoalLinks, "goal", nil, "goal link (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Links, "link", nil, "external link (repeatable)")
	cmd.Flags().StringVar(&opts.NextStep, "next-step", "", "next step")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "agent or human")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func workItemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "P", "Title", "Status", "Owner", "Missions", "Next Step"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Priority, w.Title, w.Status, w.Owner, missionTitles(w.Missions), deref(w.NextStep)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	return cmd
}

func missionTitles(ms []domain.LinkedMission) string {
	titles := make([]string, 0, len(ms))
	for _, m := range ms {
		titles = append(titles, m.Title)
	}
	return strings.Join(titles, ", ")
}

func workItemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <work-item-id>",
		Short: "Show a work item with linked missions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Engine.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workItemUpdateCmd() *cobra.Command {
	var (
		title, typ, status, nextStep, owner string
		priority                            int
		goals, links                        []string
	)
	cmd := &cobra.Command{
		Use:   "update <work-item-id>",
		Short: "Update fields of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p repo.WorkItemPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				p.Title = &title
			}
			if flags.Changed("type") {
				p.Type = &typ
			}
			if flags.Changed("status") {
				p.Status = &status
			}
			if flags.Changed("priority") {
				p.Priority = &priority
			}
			if flags.Changed("goal") {
				p.GoalLinks = &goals
			}
			if flags.Changed("link") {
				p.Links = &links
			}
			if flags.Changed("next-step") {
				p.NextStep = &nextStep
			}
			if flags.Changed("owner") {
				p.Owner = &owner
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Engine.UpdateWorkItem(ctx, args[0], p, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&typ, "type", "", "type")
	cmd.Flags().StringVar(&status, "status", "", "backlog, in_progress, blocked or done")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1 (highest) to 5")
	cmd.Flags().StringSliceVar(&goals, "goal", nil, "goal links, replaces the current list")
	cmd.Flags().StringSliceVar(&links, "link", nil, "links, replaces the current list")
	cmd.Flags().StringVar(&nextStep, "next-step", "", "next step")
	cmd.Flags().StringVar(&owner, "owner", "", "agent or human")
	return cmd
}

func workItemLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <work-item-id> <mission-id>",
		Short: "Link a mission to a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				l, err := rt.Engine.LinkMission(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func workItemUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <work-item-id> <mission-id>",
		Short: "Remove a mission link from a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.UnlinkMission(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"ok": true, "deleted": n})
			})
		},
	}
}
