// Package phase runs one workflow phase: it checks prerequisites, delegates
// the phase's sub-tasks, waits for them, verifies the produced files, records
// them in the ledger and asks the approval gate to close the phase.
package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/agent"
	"phaseline/internal/approval"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/ledger"
	"phaseline/internal/logging"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/prereq"
	"phaseline/internal/queue"
	"phaseline/internal/repo"
)

const defaultPollInterval = 2 * time.Second

// Request starts one orchestrator run.
type Request struct {
	Namespace    string
	ParentTaskID int64
	Goal         string
}

// Result is the structured outcome of a run.
type Result struct {
	Success       bool     `json:"success"`
	Phase         string   `json:"phase"`
	NextPhase     string   `json:"next_phase,omitempty"`
	Outputs       []string `json:"outputs"`
	FilesCreated  []string `json:"files_created"`
	FilesModified []string `json:"files_modified"`
	Errors        []string `json:"errors,omitempty"`
	NextSteps     []string `json:"next_steps,omitempty"`
	ApprovalID    string   `json:"approval_id,omitempty"`
	SubTasks      []int64  `json:"sub_tasks,omitempty"`
	Skipped       bool     `json:"skipped,omitempty"`
}

// Map converts the result into a task result payload.
func (r *Result) Map() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"success": r.Success, "phase": r.Phase}
	}
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}

// Orchestrator drives a single phase definition.
type Orchestrator struct {
	Phase        config.PhaseDef
	Workflow     *config.Workflow
	Queue        queue.Queue
	Ledger       ledger.Ledger
	Validator    prereq.Validator
	Gate         approval.Gate
	Notifier     notify.Notifier
	Logger       *zap.Logger
	PollInterval time.Duration
}

// Agent is the name the orchestrator consumes tasks as.
func (o Orchestrator) Agent() string {
	return o.Phase.Orchestrator
}

// Run executes the phase. On failure the returned Result has Success false
// and the error is a *Error unless the failure came from the store.
func (o Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	res, err := o.run(ctx, req)
	outcome := "success"
	switch {
	case err != nil && KindOf(err) != "":
		outcome = string(KindOf(err))
	case err != nil:
		outcome = "error"
	case res.Skipped:
		outcome = "skipped"
	}
	metrics.PhaseRuns.WithLabelValues(o.Phase.Name, outcome).Inc()
	metrics.PhaseRunDuration.WithLabelValues(o.Phase.Name).Observe(time.Since(started).Seconds())
	return res, err
}

func (o Orchestrator) run(ctx context.Context, req Request) (*Result, error) {
	if req.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	def := o.Phase
	log := o.logger().With(zap.String("namespace", req.Namespace))
	res := &Result{
		Phase:         def.Name,
		NextPhase:     o.nextPhase(),
		Outputs:       []string{},
		FilesCreated:  []string{},
		FilesModified: []string{},
	}

	if prereq.Exists(o.root(), def.PrimaryArtifact) {
		log.Info("primary artifact present; nothing to do", zap.String("file_path", def.PrimaryArtifact))
		res.Success = true
		res.Skipped = true
		res.Outputs = o.presentOutputs()
		if err := o.ensureApproval(ctx, req, res); err != nil {
			return o.fail(res, err)
		}
		return res, nil
	}

	check, err := o.Validator.Validate(req.Namespace, def.Name)
	if err != nil {
		return o.fail(res, err)
	}
	if !check.Valid {
		log.Warn("prerequisites missing", zap.Strings("missing", check.Missing))
		res.NextSteps = []string{fmt.Sprintf("complete the phase that produces %s", check.Missing[0])}
		return o.fail(res, &Error{Kind: PrerequisiteMissing, Phase: def.Name, Missing: check.Missing})
	}

	tasks, err := o.decompose(ctx, req)
	if err != nil {
		return o.fail(res, err)
	}
	for _, t := range tasks {
		res.SubTasks = append(res.SubTasks, t.ID)
	}

	finished, err := o.await(ctx, req.Namespace, tasks)
	if err != nil {
		return o.fail(res, err)
	}
	for _, t := range finished {
		if t.Status != domain.TaskFailed {
			continue
		}
		kind := TaskFailed
		if queue.Reaped(t) {
			kind = StuckTask
		}
		return o.fail(res, &Error{Kind: kind, Phase: def.Name, TaskID: t.ID, Agent: t.ToAgent, TaskError: t.Error})
	}

	outputs := def.Outputs()
	missing := prereq.Check(o.root(), outputs).Missing
	if len(missing) > 0 {
		log.Warn("phase outputs missing", zap.Strings("missing", missing))
		res.Outputs = o.presentOutputs()
		return o.fail(res, &Error{Kind: PartialOutput, Phase: def.Name, Missing: missing})
	}
	res.Outputs = outputs

	items := o.Ledger.RecordBatch(ctx, req.Namespace, o.artifacts())
	for _, item := range items {
		switch {
		case !item.OK():
			res.Errors = append(res.Errors, (&Error{Kind: LedgerWriteError, Phase: def.Name, TaskError: item.FilePath + ": " + item.Error}).Error())
		case item.Outcome == ledger.OutcomeCreated:
			res.FilesCreated = append(res.FilesCreated, item.FilePath)
		case item.Outcome == ledger.OutcomeUpdated:
			res.FilesModified = append(res.FilesModified, item.FilePath)
		}
	}

	res.Success = true
	if err := o.ensureApproval(ctx, req, res); err != nil {
		return o.fail(res, err)
	}
	log.Info("phase completed",
		zap.String("phase", def.Name),
		zap.Int("files_created", len(res.FilesCreated)),
		zap.Int("files_modified", len(res.FilesModified)))
	return res, nil
}

func (o Orchestrator) fail(res *Result, err error) (*Result, error) {
	res.Success = false
	res.Errors = append(res.Errors, err.Error())
	o.logger().Warn("phase failed", zap.Error(err))
	return res, err
}

// decompose enqueues one task per sub-task definition whose output is not on
// disk yet. Unfinished tasks from an earlier run of the same phase are adopted
// instead of duplicated.
func (o Orchestrator) decompose(ctx context.Context, req Request) ([]domain.Task, error) {
	def := o.Phase
	open, err := o.openTasks(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, sub := range def.Tasks {
		if prereq.Exists(o.root(), sub.OutputFile) {
			continue
		}
		if t, ok := open[sub.Agent+"\x00"+sub.OutputFile]; ok {
			out = append(out, t)
			continue
		}
		payload := domain.TaskPayload{
			Description: sub.Description,
			Context: map[string]any{
				domain.ContextOutputFile:   sub.OutputFile,
				domain.ContextMemoryType:   sub.MemoryType,
				domain.ContextParentTaskID: req.ParentTaskID,
			},
			Requirements:         nonNil(sub.Requirements),
			AIVerifiableOutcomes: nonNil(sub.Outcomes),
			Phase:                def.Name,
		}
		if req.Goal != "" {
			payload.Context[domain.ContextGoal] = req.Goal
		}
		if o.Workflow != nil {
			payload.Context[domain.ContextRole] = o.Workflow.RoleFor(sub.Agent)
		}
		t, err := o.Queue.Enqueue(ctx, queue.EnqueueOptions{
			Namespace: req.Namespace,
			FromAgent: def.Orchestrator,
			ToAgent:   sub.Agent,
			TaskType:  sub.TaskType,
			Priority:  sub.Priority,
			Payload:   payload,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue %s for %s: %w", sub.OutputFile, sub.Agent, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (o Orchestrator) openTasks(ctx context.Context, namespace string) (map[string]domain.Task, error) {
	tasks, err := o.Queue.List(ctx, repo.TaskFilters{Namespace: namespace, FromAgent: o.Phase.Orchestrator, Phase: o.Phase.Name})
	if err != nil {
		return nil, err
	}
	open := map[string]domain.Task{}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		open[t.ToAgent+"\x00"+t.Payload.ContextString(domain.ContextOutputFile)] = t
	}
	return open, nil
}

// await polls until every task is terminal. A notification on any task of
// the namespace triggers an early poll.
func (o Orchestrator) await(ctx context.Context, namespace string, tasks []domain.Task) ([]domain.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	var wake <-chan struct{}
	if o.Notifier != nil {
		ch, cancel, err := o.Notifier.Subscribe(notify.TasksSubject(namespace))
		if err == nil {
			wake = ch
			defer cancel()
		}
	}
	interval := o.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	pending := map[int64]bool{}
	for _, t := range tasks {
		pending[t.ID] = true
	}
	done := make(map[int64]domain.Task, len(tasks))
	for {
		for id := range pending {
			t, err := o.Queue.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("poll task %d: %w", id, err)
			}
			if t.Status.Terminal() {
				done[id] = t
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-time.After(interval):
		}
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, done[t.ID])
	}
	return out, nil
}

func (o Orchestrator) artifacts() []ledger.Artifact {
	def := o.Phase
	byPath := map[string]config.SubTaskDef{}
	for _, t := range def.Tasks {
		byPath[t.OutputFile] = t
	}
	var out []ledger.Artifact
	for _, path := range def.Outputs() {
		a := ledger.Artifact{
			FilePath:   path,
			MemoryType: def.MemoryType,
			Rationale:  fmt.Sprintf("produced by phase %s", def.Name),
		}
		if t, ok := byPath[path]; ok {
			a.MemoryType = t.MemoryType
			a.BriefDescription = t.Description
			a.ElementsDescription = joinLines(t.Outcomes)
			a.Rationale = fmt.Sprintf("produced by %s during phase %s", t.Agent, def.Name)
		}
		out = append(out, a)
	}
	return out
}

// ensureApproval requests sign-off for gated phases. An existing record is
// left alone so re-entry never reopens or duplicates it.
func (o Orchestrator) ensureApproval(ctx context.Context, req Request, res *Result) error {
	def := o.Phase
	if !def.Approval.Gated() {
		return nil
	}
	existing, err := o.Gate.Get(ctx, req.Namespace, def.Name)
	switch {
	case err == nil:
		res.ApprovalID = existing.ID
		if existing.Status != domain.ApprovalApproved {
			res.NextSteps = append(res.NextSteps, fmt.Sprintf("approve phase %s before %s starts", def.Name, o.nextPhaseOrEnd()))
		}
		return nil
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	msg := fmt.Sprintf("Phase %s produced %d artifact(s): %s.", def.Name, len(res.Outputs), def.Description)
	a, err := o.Gate.Request(ctx, req.Namespace, def.Name, res.Outputs, msg, def.Approval, def.Orchestrator)
	if err != nil {
		return fmt.Errorf("request approval: %w", err)
	}
	res.ApprovalID = a.ID
	if a.Status != domain.ApprovalApproved {
		res.NextSteps = append(res.NextSteps, fmt.Sprintf("approve phase %s before %s starts", def.Name, o.nextPhaseOrEnd()))
	}
	return nil
}

// Handler adapts the orchestrator to an agent loop consuming its own queue.
func (o Orchestrator) Handler() agent.Handler {
	return func(ctx context.Context, task domain.Task) (map[string]any, error) {
		if task.Payload.Phase != "" && task.Payload.Phase != o.Phase.Name {
			return nil, fmt.Errorf("task %d is tagged for phase %s, not %s", task.ID, task.Payload.Phase, o.Phase.Name)
		}
		res, err := o.Run(ctx, Request{
			Namespace:    task.Namespace,
			ParentTaskID: task.ID,
			Goal:         task.Payload.ContextString(domain.ContextGoal),
		})
		if err != nil {
			return nil, err
		}
		return res.Map(), nil
	}
}

func (o Orchestrator) presentOutputs() []string {
	out := []string{}
	for _, path := range o.Phase.Outputs() {
		if prereq.Exists(o.root(), path) {
			out = append(out, path)
		}
	}
	return out
}

func (o Orchestrator) nextPhase() string {
	if o.Workflow == nil {
		return ""
	}
	return o.Workflow.Next(o.Phase.Name)
}

func (o Orchestrator) nextPhaseOrEnd() string {
	if next := o.nextPhase(); next != "" {
		return next
	}
	return "the workflow ends"
}

func (o Orchestrator) root() string {
	return o.Validator.Root
}

func (o Orchestrator) logger() *zap.Logger {
	return logging.OrNop(o.Logger).With(zap.String("phase", o.Phase.Name), zap.String("agent", o.Phase.Orchestrator))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "- " + strings.Join(lines, "\n- ")
}

// ParentTaskID extracts the delegating task id from a sub-task payload.
func ParentTaskID(p domain.TaskPayload) int64 {
	switch v := p.Context[domain.ContextParentTaskID].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}
