package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/ledger"
	"phaseline/internal/repo"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Manage the state ledger"}
	cmd.AddCommand(ledgerRecordCmd())
	cmd.AddCommand(ledgerListCmd())
	cmd.AddCommand(ledgerSummaryCmd())
	cmd.AddCommand(ledgerCleanCmd())
	cmd.AddCommand(ledgerWatchCmd())
	return cmd
}

func ledgerRecordCmd() *cobra.Command {
	var a ledger.Artifact
	cmd := &cobra.Command{
		Use:   "record <file>...",
		Short: "Record artifact files in the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.MemoryType == "" {
				return fmt.Errorf("--memory-type required")
			}
			return withNamespace(cmd.Context(), func(ctx context.Context, ap *app.App, ns string) error {
				items := make([]ledger.Artifact, 0, len(args))
				for _, path := range args {
					item := a
					item.FilePath = path
					items = append(items, item)
				}
				l, err := ap.LedgerFor(ns)
				if err != nil {
					return err
				}
				results := l.RecordBatch(ctx, ns, items)
				if viper.GetBool("json") {
					return printJSON(results)
				}
				failed := false
				for _, r := range results {
					if !r.OK() {
						failed = true
						printStatus("✗", fmt.Sprintf("%s: %s", r.FilePath, r.Error), color.FgRed)
						continue
					}
					printStatus("✓", fmt.Sprintf("%s: %s (v%d)", r.FilePath, r.Outcome, r.Version), color.FgGreen)
				}
				if failed {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.MemoryType, "memory-type", "", "memory type")
	cmd.Flags().StringVar(&a.BriefDescription, "brief", "", "brief description")
	cmd.Flags().StringVar(&a.ElementsDescription, "elements", "", "elements description")
	cmd.Flags().StringVar(&a.Rationale, "rationale", "", "rationale")
	return cmd
}

func ledgerListCmd() *cobra.Command {
	var memoryType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				l, err := a.LedgerFor(ns)
				if err != nil {
					return err
				}
				records, err := l.List(ctx, ns, memoryType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"File", "Type", "Version", "Tokens", "Fingerprint", "Updated"})
				for _, m := range records {
					fp := m.ContentFingerprint
					if len(fp) > 12 {
						fp = fp[:12]
					}
					tw.AppendRow(table.Row{m.FilePath, m.MemoryType, m.Version, m.TokenCount, fp, m.LastUpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&memoryType, "memory-type", "", "memory type filter")
	return cmd
}

func ledgerSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Summarize the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				l, err := a.LedgerFor(ns)
				if err != nil {
					return err
				}
				sum, err := l.Summarize(ctx, ns)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				types := make([]string, 0, len(sum.CountsByMemoryType))
				for t := range sum.CountsByMemoryType {
					types = append(types, t)
				}
				sort.Strings(types)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Memory type", "Files"})
				for _, t := range types {
					tw.AppendRow(table.Row{t, sum.CountsByMemoryType[t]})
				}
				tw.AppendFooter(table.Row{"Total", sum.TotalFiles})
				tw.Render()
				if sum.LastUpdatedAt != "" {
					fmt.Println("Last updated:", sum.LastUpdatedAt)
				}
				return nil
			})
		},
	}
}

func ledgerCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove records whose file no longer exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				l, err := a.LedgerFor(ns)
				if err != nil {
					return err
				}
				n, err := l.CleanOrphans(ctx, ns)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"removed": n})
				}
				fmt.Printf("Removed %d orphaned records\n", n)
				return nil
			})
		},
	}
}

func ledgerWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-record tracked artifacts when they change on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withNamespace(ctx, func(ctx context.Context, a *app.App, ns string) error {
				l, err := a.LedgerFor(ns)
				if err != nil {
					return err
				}
				return l.Watch(ctx, ns, func(r ledger.ItemResult) {
					if !r.OK() {
						printStatus("✗", fmt.Sprintf("%s: %s", r.FilePath, r.Error), color.FgRed)
						return
					}
					printStatus("✓", fmt.Sprintf("%s: %s (v%d)", r.FilePath, r.Outcome, r.Version), color.FgGreen)
				})
			})
		},
	}
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Manage phase approvals"}
	cmd.AddCommand(approvalListCmd())
	cmd.AddCommand(approvalApproveCmd())
	return cmd
}

func approvalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				items, err := a.Gate.List(ctx, ns, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Status", "Artifacts", "Requested by", "Decided by", "Message"})
				for _, ap := range items {
					tw.AppendRow(table.Row{ap.Phase, ap.Status, len(ap.Artifacts), ap.RequestedBy, deref(ap.DecidedBy), ap.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending or approved)")
	return cmd
}

func approvalApproveCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "approve <phase>",
		Short: "Approve a phase so the workflow can advance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				ap, err := a.Gate.Approve(ctx, ns, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ap)
				}
				printStatus("✓", fmt.Sprintf("phase %s approved by %s", ap.Phase, deref(ap.DecidedBy)), color.FgGreen)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "local-user", "approving actor")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNamespace(cmd.Context(), func(ctx context.Context, a *app.App, ns string) error {
				f.Namespace = ns
				evts, err := a.Queue.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range evts {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += ":" + e.EntityID
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}
