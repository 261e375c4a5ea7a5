package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline runs a phased, multi-agent delivery workflow.
Core concepts:
- Workspace: holds phaseline.yml and the store in .phaseline/.
- Namespace: an isolated run of the workflow; every task, ledger record and approval belongs to one.
  Its artifacts live in <workspace>/<namespace> unless the projects setting maps it elsewhere.
- Task queue: messages between agents; statuses go pending -> in_progress -> completed/failed.
- State ledger: one record per artifact file with a version and content fingerprint.
- Phases: defined in phaseline.yml; each has an orchestrator, sub-tasks, prerequisites and outputs.
- Uber scheduler: finds the first incomplete phase and delegates it to its orchestrator.
- Approval gate: phases marked manual wait for 'pl approval approve <phase>'.
- Event log: every change, view with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Println("error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("namespace", "n", "", "namespace to operate in")
	flags.Bool("json", false, "output JSON")
	flags.String("db-driver", "sqlite", "store driver (sqlite or postgres)")
	flags.String("db-dsn", "", "store DSN (defaults to .phaseline/phaseline.db for sqlite)")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "console", "log format (console or json)")
	flags.String("nats-url", "", "NATS server URL for wake-up notifications")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("namespace", flags.Lookup("namespace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("db.driver", flags.Lookup("db-driver"))
	_ = viper.BindPFlag("db.dsn", flags.Lookup("db-dsn"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("nats.url", flags.Lookup("nats-url"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func loadSettings() (*config.Settings, error) {
	return config.LoadSettings(viper.GetViper())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := logging.New(s.Log.Level, s.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	a, err := app.Open(s, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withNamespace is withApp for commands scoped to a single namespace.
func withNamespace(ctx context.Context, fn func(context.Context, *app.App, string) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		ns, err := a.Settings.RequireNamespace()
		if err != nil {
			return err
		}
		return fn(ctx, a, ns)
	})
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func parseJSONMap(raw string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse JSON object: %w", err)
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(symbol, message string, attr color.Attribute) {
	c := color.New(attr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
