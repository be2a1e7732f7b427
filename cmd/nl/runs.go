package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nightlobster/internal/app"
	"nightlobster/internal/engine"
	"nightlobster/internal/repo"
	"nightlobster/internal/server"
)

func runCmd() *cobra.Command {
	r := &cobra.Command{Use: "run", Short: "Queue and inspect night runs"}
	r.AddCommand(runQueueCmd())
	r.AddCommand(runListCmd())
	r.AddCommand(runShowCmd())
	r.AddCommand(runReplayCmd())
	r.AddCommand(runExecuteCmd())
	return r
}

func runQueueCmd() *cobra.Command {
	var dedupe int
	cmd := &cobra.Command{
		Use:   "queue <handoff-id>",
		Short: "Queue a night run from a handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.QueueRunFromHandoff(ctx, args[0], engine.QueueOptions{
					Source:        engine.SourceAPI,
					DedupeMinutes: dedupe,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&dedupe, "dedupe-minutes", server.APIDedupeMinutes, "reuse an active run launched within this window")
	return cmd
}

func runListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListRuns(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mission", "Handoff", "Status", "Pre", "Post", "Started", "Ended"})
				for _, r := range items {
					pre, post := "", ""
					if r.Score != nil && r.Score.PreReview != nil {
						pre = fmt.Sprintf("%.2f", r.Score.PreReview.Score)
					}
					if r.Score != nil && r.Score.PostReview != nil {
						post = fmt.Sprintf("%.2f", r.Score.PostReview.Score)
					}
					tw.AppendRow(table.Row{r.ID, r.MissionID, r.HandoffID, r.Status, pre, post, deref(r.StartedAt), deref(r.EndedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its mission, report and evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func runReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Print the run timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rp, err := rt.Engine.ReplayRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rp)
				}
				fmt.Printf("run %s [%s] mission %q\n", rp.Run.ID, rp.Run.Status, rp.Mission.Title)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "TS", "Type", "Label", "Detail"})
				for _, e := range rp.Timeline {
					tw.AppendRow(table.Row{e.Ordinal, e.TS, e.Type, e.Label, e.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <run-id>",
		Short: "Execute a queued run in this process instead of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Executor.Execute(ctx, args[0]); err != nil {
					if ferr := rt.Engine.FailRun(ctx, args[0], err); ferr != nil {
						return fmt.Errorf("%w (marking failed: %v)", err, ferr)
					}
					return err
				}
				d, err := rt.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d.Run)
			})
		},
	}
}

func morningCmd() *cobra.Command {
	m := &cobra.Command{Use: "morning", Short: "Review finished runs"}
	m.AddCommand(morningShowCmd())
	m.AddCommand(morningEvaluateCmd())
	return m
}

func morningShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the morning review bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Engine.MorningBundle(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("run %s [%s] mission %q\n", b.ID, b.Status, b.Mission.Title)
				if b.Report != nil {
					fmt.Println()
					fmt.Println(b.Report.SummaryText)
				}
				fmt.Println()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Recommendation", "Outcome", "Reason"})
				for _, o := range b.Outcomes {
					tw.AppendRow(table.Row{o.RecommendationID, o.Outcome, o.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func morningEvaluateCmd() *cobra.Command {
	var (
		in       engine.EvaluationInput
		outcomes []string
	)
	cmd := &cobra.Command{
		Use:   "evaluate <run-id>",
		Short: "Record the morning evaluation of a run",
		Long: `Record ratings and recommendation outcomes. Outcomes use
recommendation_id=outcome[:reason], e.g. --outcome rec-1=accepted --outcome "rec-2=rejected:out of scope".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range outcomes {
				o, err := parseOutcome(raw)
				if err != nil {
					return err
				}
				in.Outcomes = append(in.Outcomes, o)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.SubmitEvaluation(ctx, args[0], in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&in.UsefulnessRating, "usefulness", 0, "usefulness rating 1-5")
	cmd.Flags().IntVar(&in.BrevityRating, "brevity", 0, "brevity rating 1-5")
	cmd.Flags().IntVar(&in.TrustRating, "trust", 0, "trust rating 1-5")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringSliceVar(&in.FlaggedIssueTypes, "flag", nil, "flagged issue type (repeatable)")
	cmd.Flags().StringArrayVar(&outcomes, "outcome", nil, "recommendation outcome (repeatable)")
	_ = cmd.MarkFlagRequired("usefulness")
	_ = cmd.MarkFlagRequired("brevity")
	_ = cmd.MarkFlagRequired("trust")
	return cmd
}

func parseOutcome(raw string) (engine.OutcomeInput, error) {
	id, rest, ok := strings.Cut(raw, "=")
	if !ok || id == "" || rest == "" {
		return engine.OutcomeInput{}, fmt.Errorf("invalid --outcome %q: want recommendation_id=outcome[:reason]", raw)
	}
	outcome, reason, _ := strings.Cut(rest, ":")
	return engine.OutcomeInput{RecommendationID: id, Outcome: outcome, Reason: reason}, nil
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Read the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var (
		n int
		f repo.EventFilters
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}
