package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"phaseline/internal/agent"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/logging"
	"phaseline/internal/metrics"
)

// Worker handles generate_artifact tasks: it asks the Generator for the
// content of the task's output file and writes it durably under Root.
type Worker struct {
	Generator Generator
	Workflow  *config.Workflow
	Root      string
	// Limiter throttles generator calls across every task of the worker.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// NewLimiter returns a limiter allowing perMinute calls; zero means unlimited.
func NewLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), 1)
}

func (w Worker) Handle(ctx context.Context, task domain.Task) (map[string]any, error) {
	if w.Generator == nil {
		return nil, errors.New("no content generator configured")
	}
	out := task.Payload.ContextString(domain.ContextOutputFile)
	if out == "" {
		return nil, fmt.Errorf("task %d has no %s in its context", task.ID, domain.ContextOutputFile)
	}
	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	role := task.Payload.ContextString(domain.ContextRole)
	if role == "" && w.Workflow != nil {
		role = w.Workflow.RoleFor(task.ToAgent)
	}
	content, err := w.Generator.Generate(ctx, Request{
		RoleDefinition: role,
		Instructions:   Instructions(task.Payload),
		Payload:        task.Payload,
		Context:        task.Payload.Context,
	})
	if err != nil {
		metrics.GeneratorCalls.WithLabelValues("error").Inc()
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		metrics.GeneratorCalls.WithLabelValues("empty").Inc()
		return nil, fmt.Errorf("generator returned no content for %s", out)
	}
	metrics.GeneratorCalls.WithLabelValues("ok").Inc()
	if err := WriteArtifact(w.Root, out, []byte(content)); err != nil {
		return nil, err
	}
	logging.OrNop(w.Logger).Info("artifact written",
		zap.String("namespace", task.Namespace),
		zap.String("agent", task.ToAgent),
		zap.Int64("task_id", task.ID),
		zap.String("file_path", out))
	return map[string]any{
		"success": true,
		"files":   []string{out},
		"bytes":   len(content),
	}, nil
}

// Handler adapts the worker to an agent loop.
func (w Worker) Handler() agent.Handler {
	return w.Handle
}

// WriteArtifact writes data to path (relative to root) through a temporary
// file that is synced before the rename, so readers never see a partial file.
func WriteArtifact(root, path string, data []byte) error {
	full := path
	if !filepath.IsAbs(full) && root != "" {
		full = filepath.Join(root, path)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), full)
}
