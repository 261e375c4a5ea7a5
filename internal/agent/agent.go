// Package agent runs the polling loop every agent uses to consume its queue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/logging"
	"phaseline/internal/notify"
	"phaseline/internal/queue"
)

// Handler performs one task. A returned error fails the task with its text.
type Handler func(ctx context.Context, task domain.Task) (map[string]any, error)

// Outcome describes what happened to a single task.
type Outcome struct {
	Task    domain.Task
	Claimed bool
	Result  map[string]any
	Err     error
}

// Loop polls the queue of one agent within one namespace.
type Loop struct {
	Queue     queue.Queue
	Namespace string
	Agent     string
	Interval  time.Duration
	Handler   Handler
	Notifier  notify.Notifier
	Logger    *zap.Logger
}

const defaultInterval = 2 * time.Second

// Run polls until ctx is cancelled. Processing errors are logged, never fatal.
func (l Loop) Run(ctx context.Context) error {
	if err := l.check(); err != nil {
		return err
	}
	log := l.logger()
	var wake <-chan struct{}
	if l.Notifier != nil {
		ch, cancel, err := l.Notifier.Subscribe(notify.AgentSubject(l.Namespace, l.Agent))
		if err != nil {
			log.Warn("push wake-ups unavailable; polling only", zap.Error(err))
		} else {
			wake = ch
			defer cancel()
		}
	}
	interval := l.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	log.Info("agent loop started", zap.Duration("interval", interval))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("agent loop stopped")
			return nil
		case <-timer.C:
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("poll failed", zap.Error(err))
		}
		timer.Reset(interval)
	}
}

// RunOnce processes every task pending at call time, in queue order, and
// returns how many it handled.
func (l Loop) RunOnce(ctx context.Context) (int, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	pending, err := l.Queue.FetchPending(ctx, l.Namespace, l.Agent)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	processed := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		out, err := l.Process(ctx, task)
		if err != nil {
			return processed, err
		}
		if out.Claimed {
			processed++
		}
	}
	return processed, nil
}

// Process claims task and runs the handler. A lost claim yields an outcome
// with Claimed false and no error. The returned error only reports queue
// failures; handler failures are in Outcome.Err.
func (l Loop) Process(ctx context.Context, task domain.Task) (Outcome, error) {
	out := Outcome{Task: task}
	ok, err := l.Queue.ClaimAndStart(ctx, task.ID)
	if err != nil {
		return out, err
	}
	if !ok {
		l.logger().Debug("task claimed elsewhere", zap.Int64("task_id", task.ID))
		return out, nil
	}
	out.Claimed = true
	task.Status = domain.TaskInProgress
	out.Task = task
	return l.execute(ctx, out)
}

func (l Loop) execute(ctx context.Context, out Outcome) (Outcome, error) {
	log := l.logger().With(zap.Int64("task_id", out.Task.ID), zap.String("task_type", out.Task.TaskType))
	log.Info("task started")
	result, err := l.Handler(ctx, out.Task)
	if err != nil {
		out.Err = err
		// Record the failure even if ctx was cancelled meanwhile.
		if ferr := l.Queue.Fail(context.WithoutCancel(ctx), out.Task.ID, err.Error()); ferr != nil {
			return out, fmt.Errorf("record failure of task %d: %w", out.Task.ID, ferr)
		}
		out.Task.Status = domain.TaskFailed
		out.Task.Error = err.Error()
		log.Warn("task failed", zap.Error(err))
		return out, nil
	}
	if result == nil {
		result = map[string]any{}
	}
	if err := l.Queue.Complete(context.WithoutCancel(ctx), out.Task.ID, result); err != nil {
		return out, fmt.Errorf("record completion of task %d: %w", out.Task.ID, err)
	}
	out.Result = result
	out.Task.Status = domain.TaskCompleted
	out.Task.Result = result
	log.Info("task completed")
	return out, nil
}

// RunTask processes one task by id. The task must belong to the loop's
// namespace and agent.
func (l Loop) RunTask(ctx context.Context, taskID int64) (Outcome, error) {
	if err := l.check(); err != nil {
		return Outcome{}, err
	}
	task, err := l.Queue.GetInNamespace(ctx, l.Namespace, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if task.ToAgent != l.Agent {
		return Outcome{Task: task}, fmt.Errorf("task %d is addressed to %s, not %s", taskID, task.ToAgent, l.Agent)
	}
	if task.Status != domain.TaskPending {
		return Outcome{Task: task}, fmt.Errorf("task %d is %s, not pending", taskID, task.Status)
	}
	out, err := l.Process(ctx, task)
	if err != nil {
		return out, err
	}
	if !out.Claimed {
		return out, fmt.Errorf("task %d was claimed by another worker", taskID)
	}
	return out, nil
}

// RunSynthetic enqueues a synthetic task for the agent and processes it.
func (l Loop) RunSynthetic(ctx context.Context, taskType string, payload domain.TaskPayload) (Outcome, error) {
	if err := l.check(); err != nil {
		return Outcome{}, err
	}
	if taskType == "" {
		taskType = domain.TaskTypeSynthetic
	}
	if payload.Description == "" {
		payload.Description = "synthetic test task"
	}
	task, err := l.Queue.Enqueue(ctx, queue.EnqueueOptions{
		Namespace: l.Namespace,
		FromAgent: "cli",
		ToAgent:   l.Agent,
		TaskType:  taskType,
		Priority:  payload.Priority,
		Payload:   payload,
	})
	if err != nil {
		return Outcome{}, err
	}
	return l.RunTask(ctx, task.ID)
}

func (l Loop) check() error {
	if l.Namespace == "" {
		return errors.New("agent loop: namespace is required")
	}
	if l.Agent == "" {
		return errors.New("agent loop: agent name is required")
	}
	if l.Handler == nil {
		return fmt.Errorf("agent loop %s: no handler", l.Agent)
	}
	return nil
}

func (l Loop) logger() *zap.Logger {
	return logging.OrNop(l.Logger).With(zap.String("namespace", l.Namespace), zap.String("agent", l.Agent))
}
