// Package scheduler advances a namespace through the workflow. The current
// phase is always derived from task history and approvals, never stored.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/agent"
	"phaseline/internal/approval"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/logging"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/queue"
	"phaseline/internal/repo"
)

// Tick actions.
const (
	ActionEnqueued         = "enqueued"
	ActionAlreadyQueued    = "already_queued"
	ActionAwaitingApproval = "awaiting_approval"
	ActionPhaseFailed      = "phase_failed"
	ActionTerminal         = "terminal"
)

// DelegationPriority is the priority of orchestrate_phase tasks.
const DelegationPriority = 10

type Scheduler struct {
	Workflow *config.Workflow
	Queue    queue.Queue
	Gate     approval.Gate
	Notifier notify.Notifier
	Logger   *zap.Logger
	Interval time.Duration
}

type TickOptions struct {
	// Goal is passed to the orchestrator. When empty, the goal of the most
	// recent delegation is reused.
	Goal string
	// Retry re-delegates a phase whose last run failed.
	Retry bool
}

type TickResult struct {
	Phase        string `json:"phase"`
	Action       string `json:"action"`
	TaskID       int64  `json:"task_id,omitempty"`
	Orchestrator string `json:"orchestrator,omitempty"`
	ApprovalID   string `json:"approval_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Status is a read-only view of workflow progress.
type Status struct {
	Current   string   `json:"current_phase"`
	Completed []string `json:"completed_phases"`
	Terminal  bool     `json:"terminal"`
}

func (s Scheduler) agent() string {
	return s.Workflow.UberAgent
}

// CompletedPhases returns the phases that count as done: a completed
// orchestrate_phase task carries the phase tag and, for gated phases, the
// approval record is approved.
func (s Scheduler) CompletedPhases(ctx context.Context, namespace string) (map[string]bool, error) {
	tags, err := s.Queue.Repo.CompletedPhaseTags(ctx, namespace, domain.TaskTypeOrchestratePhase)
	if err != nil {
		return nil, fmt.Errorf("completed phases: %w", err)
	}
	done := map[string]bool{}
	for _, tag := range tags {
		def, ok := s.Workflow.Phase(tag)
		if !ok {
			continue
		}
		approved, err := s.Gate.Satisfied(ctx, namespace, tag, def.Approval)
		if err != nil {
			return nil, err
		}
		if approved {
			done[tag] = true
		}
	}
	return done, nil
}

// Status derives the current phase of namespace.
func (s Scheduler) Status(ctx context.Context, namespace string) (Status, error) {
	if namespace == "" {
		return Status{}, errors.New("namespace is required")
	}
	done, err := s.CompletedPhases(ctx, namespace)
	if err != nil {
		return Status{}, err
	}
	st := Status{Completed: []string{}}
	names := s.Workflow.PhaseNames()
	for _, name := range names {
		if !done[name] {
			if st.Current == "" {
				st.Current = name
			}
			continue
		}
		st.Completed = append(st.Completed, name)
	}
	if st.Current == "" && len(names) > 0 {
		st.Current = names[len(names)-1]
		st.Terminal = true
	}
	return st, nil
}

// DetermineCurrentPhase returns the first phase in workflow order that is
// not completed, or the last phase when all are.
func (s Scheduler) DetermineCurrentPhase(ctx context.Context, namespace string) (string, error) {
	st, err := s.Status(ctx, namespace)
	if err != nil {
		return "", err
	}
	return st.Current, nil
}

// Tick delegates the current phase to its orchestrator unless that work is
// already queued, waiting for approval or failed. It never waits for the
// phase to finish.
func (s Scheduler) Tick(ctx context.Context, namespace string, opts TickOptions) (TickResult, error) {
	res, err := s.tick(ctx, namespace, opts)
	if err != nil {
		return res, err
	}
	metrics.SchedulerTicks.WithLabelValues(res.Action).Inc()
	s.logger().Debug("tick",
		zap.String("namespace", namespace),
		zap.String("phase", res.Phase),
		zap.String("action", res.Action),
		zap.Int64("task_id", res.TaskID))
	return res, nil
}

func (s Scheduler) tick(ctx context.Context, namespace string, opts TickOptions) (TickResult, error) {
	st, err := s.Status(ctx, namespace)
	if err != nil {
		return TickResult{}, err
	}
	res := TickResult{Phase: st.Current}
	if st.Terminal {
		res.Action = ActionTerminal
		return res, nil
	}
	def, ok := s.Workflow.Phase(st.Current)
	if !ok {
		return res, fmt.Errorf("unknown phase %q", st.Current)
	}
	res.Orchestrator = def.Orchestrator

	latest, err := s.Queue.Repo.LatestPhaseTask(ctx, namespace, domain.TaskTypeOrchestratePhase, def.Name)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return res, err
	default:
		res.TaskID = latest.ID
		switch latest.Status {
		case domain.TaskPending, domain.TaskInProgress:
			res.Action = ActionAlreadyQueued
			return res, nil
		case domain.TaskCompleted:
			res.Action = ActionAwaitingApproval
			if a, err := s.Gate.Get(ctx, namespace, def.Name); err == nil {
				res.ApprovalID = a.ID
			}
			return res, nil
		case domain.TaskFailed:
			if !opts.Retry {
				res.Action = ActionPhaseFailed
				res.Error = latest.Error
				return res, nil
			}
		}
	}

	goal := opts.Goal
	if goal == "" {
		goal, err = s.lastGoal(ctx, namespace)
		if err != nil {
			return res, err
		}
	}
	payload := domain.TaskPayload{
		Description: fmt.Sprintf("Run phase %s: %s", def.Name, def.Description),
		Context:     map[string]any{},
		Phase:       def.Name,
	}
	if goal != "" {
		payload.Context[domain.ContextGoal] = goal
	}
	task, err := s.Queue.Enqueue(ctx, queue.EnqueueOptions{
		Namespace: namespace,
		FromAgent: s.agent(),
		ToAgent:   def.Orchestrator,
		TaskType:  domain.TaskTypeOrchestratePhase,
		Priority:  DelegationPriority,
		Payload:   payload,
	})
	if err != nil {
		return res, fmt.Errorf("delegate phase %s: %w", def.Name, err)
	}
	res.Action = ActionEnqueued
	res.TaskID = task.ID
	s.logger().Info("phase delegated",
		zap.String("namespace", namespace),
		zap.String("phase", def.Name),
		zap.String("orchestrator", def.Orchestrator),
		zap.Int64("task_id", task.ID))
	return res, nil
}

func (s Scheduler) lastGoal(ctx context.Context, namespace string) (string, error) {
	tasks, err := s.Queue.List(ctx, repo.TaskFilters{
		Namespace: namespace,
		FromAgent: s.agent(),
		TaskType:  domain.TaskTypeOrchestratePhase,
		Limit:     1,
	})
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "", nil
	}
	return tasks[0].Payload.ContextString(domain.ContextGoal), nil
}

// Run ticks every interval until ctx is cancelled. Task completions in the
// namespace trigger an early tick. Only the first tick uses opts.Retry.
func (s Scheduler) Run(ctx context.Context, namespace string, opts TickOptions) error {
	log := s.logger().With(zap.String("namespace", namespace), zap.String("agent", s.agent()))
	var wake <-chan struct{}
	if s.Notifier != nil {
		ch, cancel, err := s.Notifier.Subscribe(notify.TasksSubject(namespace))
		if err != nil {
			log.Warn("push wake-ups unavailable; polling only", zap.Error(err))
		} else {
			wake = ch
			defer cancel()
		}
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	var last TickResult
	for {
		res, err := s.Tick(ctx, namespace, opts)
		opts.Retry = false
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("tick failed", zap.Error(err))
		case err == nil && res != last:
			log.Info("workflow state",
				zap.String("phase", res.Phase),
				zap.String("action", res.Action),
				zap.Int64("task_id", res.TaskID))
			last = res
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-time.After(interval):
		}
	}
}

// Handler serves schedule tasks addressed to the uber agent with one tick.
func (s Scheduler) Handler() agent.Handler {
	return func(ctx context.Context, task domain.Task) (map[string]any, error) {
		res, err := s.Tick(ctx, task.Namespace, TickOptions{Goal: task.Payload.ContextString(domain.ContextGoal)})
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"success": res.Action != ActionPhaseFailed,
			"phase":   res.Phase,
			"action":  res.Action,
		}
		if res.TaskID != 0 {
			out["task_id"] = res.TaskID
		}
		if res.Error != "" {
			out["errors"] = []string{res.Error}
		}
		return out, nil
	}
}

func (s Scheduler) logger() *zap.Logger {
	return logging.OrNop(s.Logger)
}
