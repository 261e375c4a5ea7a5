// Package queue is the durable, namespaced task queue agents use to delegate
// work to one another.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/logging"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
)

// ErrInvalidTransition is returned when finishing a task that was never started.
var ErrInvalidTransition = errors.New("invalid task transition")

type Queue struct {
	DB       *db.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(conn *db.DB) Queue {
	return Queue{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Notifier: notify.Nop{},
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q Queue) notifier() notify.Notifier {
	if q.Notifier != nil {
		return q.Notifier
	}
	return notify.Nop{}
}

func (q Queue) events() events.Writer {
	w := q.Events
	w.Now = q.now
	return w
}

// EnqueueOptions are parameters for a new task.
type EnqueueOptions struct {
	Namespace string
	FromAgent string
	ToAgent   string
	TaskType  string
	Priority  int
	Payload   domain.TaskPayload
}

// Enqueue inserts one pending task. No deduplication happens here.
func (q Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (domain.Task, error) {
	if opts.Namespace == "" {
		return domain.Task{}, errors.New("namespace is required")
	}
	if opts.ToAgent == "" {
		return domain.Task{}, errors.New("to_agent is required")
	}
	if opts.FromAgent == "" {
		return domain.Task{}, errors.New("from_agent is required")
	}
	if opts.TaskType == "" {
		return domain.Task{}, errors.New("task_type is required")
	}
	t := domain.Task{
		Namespace: opts.Namespace,
		FromAgent: opts.FromAgent,
		ToAgent:   opts.ToAgent,
		TaskType:  opts.TaskType,
		Priority:  opts.Priority,
		Status:    domain.TaskPending,
		Payload:   opts.Payload,
		CreatedAt: db.FormatTime(q.now()),
	}
	t.Payload.Priority = opts.Priority

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	id, err := q.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	t.Payload.TaskID = id
	if err := q.events().Append(ctx, tx, events.TaskEnqueued, t.Namespace, "task", taskEntityID(id), t.FromAgent, events.EventPayload{
		"to_agent":  t.ToAgent,
		"task_type": t.TaskType,
		"priority":  t.Priority,
		"phase":     t.Payload.Phase,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	metrics.TasksEnqueued.WithLabelValues(t.ToAgent).Inc()
	q.logger().Debug("task enqueued",
		zap.String("namespace", t.Namespace),
		zap.Int64("task_id", id),
		zap.String("from_agent", t.FromAgent),
		zap.String("to_agent", t.ToAgent),
		zap.Int("priority", t.Priority))
	q.notifier().TaskEnqueued(t.Namespace, t.ToAgent, id)
	return t, nil
}

// FetchPending returns pending tasks for toAgent by priority desc, then FIFO.
func (q Queue) FetchPending(ctx context.Context, namespace, toAgent string) ([]domain.Task, error) {
	return q.Repo.ListPendingTasks(ctx, namespace, toAgent)
}

// ClaimAndStart moves a pending task to in_progress. It returns false without
// error when another caller claimed it first or the task is not pending.
func (q Queue) ClaimAndStart(ctx context.Context, taskID int64) (bool, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := q.Repo.StartTask(ctx, tx, taskID, db.FormatTime(q.now()))
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", taskID, err)
	}
	if !ok {
		metrics.ClaimConflicts.Inc()
		return false, nil
	}
	t, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	if err := q.events().Append(ctx, tx, events.TaskStarted, t.Namespace, "task", taskEntityID(taskID), t.ToAgent, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	metrics.TaskTransitions.WithLabelValues(string(domain.TaskInProgress)).Inc()
	return true, nil
}

// Complete records a successful terminal result.
func (q Queue) Complete(ctx context.Context, taskID int64, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	return q.finish(ctx, taskID, domain.TaskCompleted, result, "", events.TaskCompleted, "")
}

// Fail records a failed terminal result with errMsg.
func (q Queue) Fail(ctx context.Context, taskID int64, errMsg string) error {
	if errMsg == "" {
		errMsg = "unspecified failure"
	}
	return q.finish(ctx, taskID, domain.TaskFailed, nil, errMsg, events.TaskFailed, "")
}

func (q Queue) finish(ctx context.Context, taskID int64, status domain.TaskStatus, result map[string]any, errMsg, evtType, actorID string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := q.Repo.FinishTask(ctx, tx, taskID, status, result, errMsg, db.FormatTime(q.now()))
	if err != nil {
		return fmt.Errorf("finish task %d: %w", taskID, err)
	}
	t, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		if t.Status.Terminal() {
			// Already terminal: idempotent no-op.
			return nil
		}
		return fmt.Errorf("%w: task %d is %s, want %s", ErrInvalidTransition, taskID, t.Status, domain.TaskInProgress)
	}
	if actorID == "" {
		actorID = t.ToAgent
	}
	payload := events.EventPayload{"status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := q.events().Append(ctx, tx, evtType, t.Namespace, "task", taskEntityID(taskID), actorID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.TaskTransitions.WithLabelValues(string(status)).Inc()
	q.logger().Debug("task finished",
		zap.String("namespace", t.Namespace),
		zap.Int64("task_id", taskID),
		zap.String("status", string(status)))
	q.notifier().TaskFinished(t.Namespace, taskID, status)
	return nil
}

func (q Queue) Get(ctx context.Context, taskID int64) (domain.Task, error) {
	return q.Repo.GetTask(ctx, taskID)
}

// GetInNamespace fetches a task and hides it when it belongs to another namespace.
func (q Queue) GetInNamespace(ctx context.Context, namespace string, taskID int64) (domain.Task, error) {
	t, err := q.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Namespace != namespace {
		return domain.Task{}, fmt.Errorf("task %d: %w", taskID, repo.ErrNotFound)
	}
	return t, nil
}

func (q Queue) List(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	return q.Repo.ListTasks(ctx, f)
}

func (q Queue) CountByStatus(ctx context.Context, namespace string) (map[string]int, error) {
	return q.Repo.CountTasksByStatus(ctx, namespace)
}

// ListStale returns in_progress tasks started more than olderThan ago.
func (q Queue) ListStale(ctx context.Context, namespace string, olderThan time.Duration) ([]domain.Task, error) {
	cutoff := db.FormatTime(q.now().Add(-olderThan))
	return q.Repo.ListStaleTasks(ctx, namespace, cutoff)
}

// ResultReaped marks the result of a task failed by FailStale.
const ResultReaped = "reaped"

// Reaped reports whether t was failed by FailStale rather than by its worker.
func Reaped(t domain.Task) bool {
	v, _ := t.Result[ResultReaped].(bool)
	return t.Status == domain.TaskFailed && v
}

// FailStale fails stuck in_progress tasks older than olderThan. Tasks are
// never put back to pending. It is only run on operator request.
func (q Queue) FailStale(ctx context.Context, namespace string, olderThan time.Duration, actorID string) ([]domain.Task, error) {
	stale, err := q.ListStale(ctx, namespace, olderThan)
	if err != nil {
		return nil, err
	}
	var reaped []domain.Task
	for _, t := range stale {
		started := ""
		if t.StartedAt != nil {
			started = *t.StartedAt
		}
		msg := fmt.Sprintf("in_progress since %s without a terminal status; failed by %s", started, actorID)
		result := map[string]any{ResultReaped: true, "reaped_by": actorID}
		if err := q.finish(ctx, t.ID, domain.TaskFailed, result, msg, events.TaskReaped, actorID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return reaped, err
		}
		refreshed, err := q.Repo.GetTask(ctx, t.ID)
		if err != nil {
			return reaped, err
		}
		// A worker may have finished it in the meantime.
		if refreshed.Error == msg {
			reaped = append(reaped, refreshed)
		}
	}
	return reaped, nil
}

func (q Queue) logger() *zap.Logger {
	return logging.OrNop(q.Logger)
}

func taskEntityID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// IsNotFound reports whether err means the task does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
