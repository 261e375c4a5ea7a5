package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

const taskColumns = `id,namespace,from_agent,to_agent,task_type,priority,status,payload_json,COALESCE(result_json,''),COALESCE(error,''),created_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, payload, result string
	var started, completed sql.NullString
	err := row.Scan(&t.ID, &t.Namespace, &t.FromAgent, &t.ToAgent, &t.TaskType, &t.Priority, &status, &payload, &result, &t.Error, &t.CreatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.StartedAt = ptrFromNull(started)
	t.CompletedAt = ptrFromNull(completed)
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return t, fmt.Errorf("decode payload of task %d: %w", t.ID, err)
	}
	if result != "" {
		if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
			return t, fmt.Errorf("decode result of task %d: %w", t.ID, err)
		}
	}
	// The envelope mirrors the row.
	t.Payload.TaskID = t.ID
	t.Payload.Priority = t.Priority
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask stores t as a new row and returns the assigned id.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	payload := t.Payload
	payload.TaskID = 0
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	var id int64
	err = r.on(tx).QueryRowContext(ctx, r.bind(`INSERT INTO tasks(namespace,from_agent,to_agent,task_type,priority,status,phase,payload_json,created_at) VALUES (?,?,?,?,?,?,?,?,?) RETURNING id`),
		t.Namespace, t.FromAgent, t.ToAgent, t.TaskType, t.Priority, string(t.Status), nullable(t.Payload.Phase), payloadJSON, t.CreatedAt).Scan(&id)
	return id, err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, r.bind(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id))
}

// ListPendingTasks returns pending tasks for one agent, priority first then FIFO.
func (r Repo) ListPendingTasks(ctx context.Context, namespace, toAgent string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT `+taskColumns+` FROM tasks WHERE namespace=? AND to_agent=? AND status='pending' ORDER BY priority DESC, created_at ASC, id ASC`),
		namespace, toAgent)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

type TaskFilters struct {
	Namespace string
	ToAgent   string
	FromAgent string
	Status    string
	TaskType  string
	Phase     string
	Limit     int
}

// ListTasks returns tasks newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"namespace=?"}
	args := []any{f.Namespace}
	if f.ToAgent != "" {
		clauses = append(clauses, "to_agent=?")
		args = append(args, f.ToAgent)
	}
	if f.FromAgent != "" {
		clauses = append(clauses, "from_agent=?")
		args = append(args, f.FromAgent)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.TaskType)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// StartTask moves a pending task to in_progress. False means another caller won.
func (r Repo) StartTask(ctx context.Context, tx *sql.Tx, id int64, startedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.bind(`UPDATE tasks SET status='in_progress', started_at=? WHERE id=? AND status='pending'`), startedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishTask moves an in_progress task to a terminal status. False means the
// task was not in_progress.
func (r Repo) FinishTask(ctx context.Context, tx *sql.Tx, id int64, status domain.TaskStatus, result map[string]any, errMsg, completedAt string) (bool, error) {
	var resultJSON any
	if result != nil {
		s, err := marshalJSON(result)
		if err != nil {
			return false, fmt.Errorf("encode result: %w", err)
		}
		resultJSON = s
	}
	res, err := r.on(tx).ExecContext(ctx, r.bind(`UPDATE tasks SET status=?, result_json=?, error=?, completed_at=? WHERE id=? AND status='in_progress'`),
		string(status), resultJSON, nullable(errMsg), completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListStaleTasks returns in_progress tasks started before the cutoff.
func (r Repo) ListStaleTasks(ctx context.Context, namespace, startedBefore string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT `+taskColumns+` FROM tasks WHERE namespace=? AND status='in_progress' AND started_at < ? ORDER BY started_at ASC, id ASC`),
		namespace, startedBefore)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// CompletedPhaseTags returns the distinct phase tags of completed tasks of
// the given type, most recently completed first.
func (r Repo) CompletedPhaseTags(ctx context.Context, namespace, taskType string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT phase, MAX(completed_at) AS last_done FROM tasks WHERE namespace=? AND task_type=? AND status='completed' AND phase IS NOT NULL AND phase <> '' GROUP BY phase ORDER BY last_done DESC`),
		namespace, taskType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var phase string
		var last sql.NullString
		if err := rows.Scan(&phase, &last); err != nil {
			return nil, err
		}
		res = append(res, phase)
	}
	return res, rows.Err()
}

// LatestPhaseTask returns the newest task of the given type tagged with phase.
func (r Repo) LatestPhaseTask(ctx context.Context, namespace, taskType, phase string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.bind(`SELECT `+taskColumns+` FROM tasks WHERE namespace=? AND task_type=? AND phase=? ORDER BY id DESC LIMIT 1`),
		namespace, taskType, phase))
}

func (r Repo) CountTasksByStatus(ctx context.Context, namespace string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT status, COUNT(*) FROM tasks WHERE namespace=? GROUP BY status`), namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
