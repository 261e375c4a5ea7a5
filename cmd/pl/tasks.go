package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/queue"
	"phaseline/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage the task queue"}
	cmd.AddCommand(taskEnqueueCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskClaimCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskFailCmd())
	cmd.AddCommand(taskReapCmd())
	return cmd
}

func taskEnqueueCmd() *cobra.Command {
	var opts queue.EnqueueOptions
	var contextJSON, phaseName string
	var requirements, outcomes []string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ToAgent == "" {
				return fmt.Errorf("--to required")
			}
			taskContext, err := parseJSONMap(contextJSON)
			if err != nil {
				return err
			}
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				opts.Namespace = ns
				opts.Payload.Context = taskContext
				opts.Payload.Phase = phaseName
				opts.Payload.Requirements = requirements
				opts.Payload.AIVerifiableOutcomes = outcomes
				opts.Payload.Priority = opts.Priority
				t, err := a.Queue.Enqueue(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Enqueued task %d for %s\n", t.ID, t.ToAgent)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.FromAgent, "from", "cli", "sending agent")
	cmd.Flags().StringVar(&opts.ToAgent, "to", "", "receiving agent")
	cmd.Flags().StringVar(&opts.TaskType, "type", domain.TaskTypeGenerateArtifact, "task type")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher first)")
	cmd.Flags().StringVar(&opts.Payload.Description, "description", "", "task description")
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase tag")
	cmd.Flags().StringVar(&contextJSON, "context", "", "context as a JSON object")
	cmd.Flags().StringSliceVar(&requirements, "requirement", nil, "requirement (repeatable)")
	cmd.Flags().StringSliceVar(&outcomes, "outcome", nil, "verifiable outcome (repeatable)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var pendingFor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				var tasks []domain.Task
				var err error
				if pendingFor != "" {
					tasks, err = a.Queue.FetchPending(ctx, ns, pendingFor)
				} else {
					f.Namespace = ns
					tasks, err = a.Queue.List(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "From", "To", "Phase", "Priority", "Status", "Created"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.TaskType, t.FromAgent, t.ToAgent, t.Payload.Phase, t.Priority, t.Status, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ToAgent, "to", "", "receiving agent filter")
	cmd.Flags().StringVar(&f.FromAgent, "from", "", "sending agent filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TaskType, "type", "", "task type filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase tag filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	cmd.Flags().StringVar(&pendingFor, "pending-for", "", "list pending tasks of an agent in fetch order")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				t, err := a.Queue.GetInNamespace(ctx, ns, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a pending task and mark it in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				if _, err := a.Queue.GetInNamespace(ctx, ns, id); err != nil {
					return err
				}
				ok, err := a.Queue.ClaimAndStart(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("task %d is not pending", id)
				}
				fmt.Printf("Claimed task %d\n", id)
				return nil
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var resultJSON string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an in-progress task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			result, err := parseJSONMap(resultJSON)
			if err != nil {
				return err
			}
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				if _, err := a.Queue.GetInNamespace(ctx, ns, id); err != nil {
					return err
				}
				if err := a.Queue.Complete(ctx, id, result); err != nil {
					return err
				}
				fmt.Printf("Completed task %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resultJSON, "result", "", "result as a JSON object")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail an in-progress task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message required")
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				if _, err := a.Queue.GetInNamespace(ctx, ns, id); err != nil {
					return err
				}
				if err := a.Queue.Fail(ctx, id, message); err != nil {
					return err
				}
				fmt.Printf("Failed task %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "error message")
	return cmd
}

func taskReapCmd() *cobra.Command {
	var olderThan time.Duration
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail tasks stuck in progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				var tasks []domain.Task
				var err error
				if dryRun {
					tasks, err = a.Queue.ListStale(ctx, ns, olderThan)
				} else {
					tasks, err = a.Queue.FailStale(ctx, ns, olderThan, "cli")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				verb := "Reaped"
				if dryRun {
					verb = "Would reap"
				}
				for _, t := range tasks {
					fmt.Printf("%s task %d (%s, started %s)\n", verb, t.ID, t.ToAgent, deref(t.StartedAt))
				}
				if len(tasks) == 0 {
					fmt.Println("No stuck tasks")
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "in-progress age considered stuck")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list without failing")
	return cmd
}
