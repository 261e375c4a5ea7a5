package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/server"
)

func serveCmd() *cobra.Command {
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				s := a.Settings
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: s.Server.BasePath,
					Auth: server.AuthConfig{
						JWTSecret:              s.Server.JWTSecret,
						AllowLegacyActorHeader: allowActorHeader,
					},
					Logger: a.Logger.Named("server"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: s.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				if s.Server.JWTSecret == "" {
					fmt.Println("warning: no JWT secret configured; requests are attributed via X-Actor-Id")
				}
				fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at %s/openapi.json)\n", s.Server.Addr, s.Server.BasePath, s.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id alongside bearer tokens")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect and initialize configuration"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective settings and workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			settings := viper.AllSettings()
			delete(settings, "json")
			redact(settings, "anthropic", "api_key")
			redact(settings, "server", "jwt_secret")
			wf, err := config.LoadWorkflow(s.Workspace)
			if err != nil {
				return err
			}
			out := map[string]any{"settings": settings, "workflow": wf}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default workflow to phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.WorkflowPath(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefaultWorkflow()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing workflow file")
	return cmd
}

func redact(settings map[string]any, section, key string) {
	m, ok := settings[section].(map[string]any)
	if !ok {
		return
	}
	if v, ok := m[key].(string); ok && v != "" {
		m[key] = "***"
	}
}
