package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/agent"
	"phaseline/internal/app"
	"phaseline/internal/scheduler"
)

// errRunFailed makes main exit non-zero after the failure was already printed.
var errRunFailed = errors.New("agent run failed")

func runCmd() *cobra.Command {
	var taskID int64
	var goal string
	cmd := &cobra.Command{
		Use:   "run <agent>",
		Short: "Run one task as an agent",
		Long: `Run processes one task as the named agent and exits.
With --task-id the given pending task is processed; otherwise a task is
enqueued for the agent first. Exit status is 0 on success and 1 on failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				loop, err := a.Loop(ns, name)
				if err != nil {
					return err
				}
				var out agent.Outcome
				if taskID > 0 {
					out, err = loop.RunTask(ctx, taskID)
				} else {
					taskType, payload, derr := a.DirectTask(name, goal)
					if derr != nil {
						return derr
					}
					out, err = loop.RunSynthetic(ctx, taskType, payload)
				}
				if err != nil {
					printStatus("✗", fmt.Sprintf("%s: %v", name, err), color.FgRed)
					return errRunFailed
				}
				if viper.GetBool("json") {
					if perr := printJSON(out.Task); perr != nil {
						return perr
					}
				}
				if out.Err != nil {
					printStatus("✗", fmt.Sprintf("%s: %v", name, out.Err), color.FgRed)
					return errRunFailed
				}
				if errs := resultErrors(out.Result); len(errs) > 0 && out.Result["success"] == false {
					printStatus("✗", fmt.Sprintf("%s: %s", name, strings.Join(errs, "; ")), color.FgRed)
					return errRunFailed
				}
				printStatus("✓", fmt.Sprintf("%s: %s", name, summarizeResult(out)), color.FgGreen)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&taskID, "task-id", 0, "pending task to process")
	cmd.Flags().StringVar(&goal, "goal", "", "project goal passed to the task")
	return cmd
}

func daemonCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler and every agent loop of a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withNamespace(ctx, func(ctx context.Context, a *app.App, ns string) error {
				fmt.Printf("Running %d agents in namespace %s (Ctrl-C to stop)\n", len(a.Agents()), ns)
				return a.RunDaemon(ctx, ns, scheduler.TickOptions{Goal: goal})
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "project goal for the first delegation")
	return cmd
}

func tickCmd() *cobra.Command {
	var opts scheduler.TickOptions
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				res, err := a.Scheduler.Tick(ctx, ns, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				msg := fmt.Sprintf("phase %s: %s", res.Phase, res.Action)
				switch res.Action {
				case scheduler.ActionEnqueued, scheduler.ActionAlreadyQueued:
					msg += fmt.Sprintf(" (task %d for %s)", res.TaskID, res.Orchestrator)
					printStatus("→", msg, color.FgCyan)
				case scheduler.ActionAwaitingApproval:
					printStatus("⏸", msg+fmt.Sprintf("; run 'pl approval approve %s'", res.Phase), color.FgYellow)
				case scheduler.ActionPhaseFailed:
					printStatus("✗", msg+": "+res.Error+"; rerun with --retry", color.FgRed)
				default:
					printStatus("✓", msg, color.FgGreen)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "project goal carried in the delegation")
	cmd.Flags().BoolVar(&opts.Retry, "retry", false, "re-delegate a phase whose last orchestration failed")
	return cmd
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phase", Short: "Inspect workflow phases"}
	cmd.AddCommand(phaseCurrentCmd())
	cmd.AddCommand(phaseValidateCmd())
	return cmd
}

func phaseCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				st, err := a.Scheduler.Status(ctx, ns)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				done := map[string]bool{}
				for _, p := range st.Completed {
					done[p] = true
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Orchestrator", "Approval", "State"})
				for _, name := range a.Workflow.PhaseNames() {
					def, _ := a.Workflow.Phase(name)
					state := ""
					switch {
					case done[name]:
						state = "done"
					case name == st.Current && !st.Terminal:
						state = "current"
					}
					tw.AppendRow(table.Row{name, def.Orchestrator, def.Approval, state})
				}
				tw.Render()
				if st.Terminal {
					fmt.Println("All phases complete.")
				}
				return nil
			})
		},
	}
}

func phaseValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <phase>",
		Short: "Check the prerequisites of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				v, err := a.ValidatorFor(ns)
				if err != nil {
					return err
				}
				res, err := v.Validate(ns, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Valid {
					printStatus("✓", fmt.Sprintf("%s: prerequisites present", args[0]), color.FgGreen)
					return nil
				}
				printStatus("✗", fmt.Sprintf("%s: missing %s", args[0], strings.Join(res.Missing, ", ")), color.FgRed)
				return errRunFailed
			})
		},
	}
}

func resultErrors(result map[string]any) []string {
	return stringList(result["errors"])
}

// stringList accepts both native results and ones that went through JSON.
func stringList(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, e := range items {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

func summarizeResult(out agent.Outcome) string {
	r := out.Result
	var parts []string
	if ph, ok := r["phase"].(string); ok && ph != "" {
		parts = append(parts, "phase "+ph)
	}
	if steps := stringList(r["next_steps"]); len(steps) > 0 {
		parts = append(parts, strings.Join(steps, "; "))
	}
	if act, ok := r["action"].(string); ok && act != "" {
		parts = append(parts, act)
	}
	if skipped, ok := r["skipped"].(bool); ok && skipped {
		parts = append(parts, "already complete")
	}
	for _, key := range []string{"files_created", "files_modified", "files"} {
		if files := stringList(r[key]); len(files) > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", strings.TrimPrefix(key, "files_"), len(files)))
		}
	}
	if errs := resultErrors(r); len(errs) > 0 {
		parts = append(parts, "warnings: "+strings.Join(errs, "; "))
	}
	if len(parts) == 0 {
		parts = append(parts, "done")
	}
	return fmt.Sprintf("task %d %s", out.Task.ID, strings.Join(parts, ", "))
}
