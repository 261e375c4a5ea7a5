package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/approval"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
	"phaseline/internal/queue"
	"phaseline/internal/scheduler"
)

func newScheduler(t *testing.T, wf *config.Workflow) scheduler.Scheduler {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if wf == nil {
		wf = config.DefaultWorkflow()
	}
	return scheduler.Scheduler{Workflow: wf, Queue: queue.New(conn), Gate: approval.New(conn)}
}

func finish(t *testing.T, q queue.Queue, id int64, ok bool) {
	t.Helper()
	ctx := context.Background()
	claimed, err := q.ClaimAndStart(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	if ok {
		require.NoError(t, q.Complete(ctx, id, map[string]any{"success": true}))
		return
	}
	require.NoError(t, q.Fail(ctx, id, "spec-writer: model unavailable"))
}

func TestEmptyNamespaceStartsAtInitialization(t *testing.T) {
	s := newScheduler(t, nil)
	phase, err := s.DetermineCurrentPhase(context.Background(), "proj1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseInitialization, phase)
}

func TestTickDelegatesOnce(t *testing.T) {
	s := newScheduler(t, nil)
	ctx := context.Background()

	res, err := s.Tick(ctx, "proj1", scheduler.TickOptions{Goal: "a todo app"})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionEnqueued, res.Action)
	assert.Equal(t, "orchestrator-initialization", res.Orchestrator)

	task, err := s.Queue.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTypeOrchestratePhase, task.TaskType)
	assert.Equal(t, "uber-orchestrator", task.FromAgent)
	assert.Equal(t, scheduler.DelegationPriority, task.Priority)
	assert.Equal(t, domain.PhaseInitialization, task.Payload.Phase)
	assert.Equal(t, "a todo app", task.Payload.ContextString(domain.ContextGoal))

	again, err := s.Tick(ctx, "proj1", scheduler.TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionAlreadyQueued, again.Action)
	assert.Equal(t, res.TaskID, again.TaskID)
}

func TestPhaseAdvancesAndApprovalGates(t *testing.T) {
	s := newScheduler(t, nil)
	ctx := context.Background()

	first, err := s.Tick(ctx, "proj1", scheduler.TickOptions{Goal: "a todo app"})
	require.NoError(t, err)
	finish(t, s.Queue, first.TaskID, true)

	second, err := s.Tick(ctx, "proj1", scheduler.TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseGoalClarification, second.Phase)
	assert.Equal(t, scheduler.ActionEnqueued, second.Action)
	task, err := s.Queue.Get(ctx, second.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "a todo app", task.Payload.ContextString(domain.ContextGoal), "goal carried forward")

	finish(t, s.Queue, second.TaskID, true)
	phase, err := s.DetermineCurrentPhase(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseGoalClarification, phase, "manual approval still outstanding")

	waiting, err := s.Tick(ctx, "proj1", scheduler.TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionAwaitingApproval, waiting.Action)

	_, err = s.Gate.Request(ctx, "proj1", domain.PhaseGoalClarification, []string{"docs/Mutual_Understanding_Document.md"}, "review", config.ApprovalManual, "orchestrator-goal-clarification")
	require.NoError(t, err)
	_, err = s.Gate.Approve(ctx, "proj1", domain.PhaseGoalClarification, "alice")
	require.NoError(t, err)

	st, err := s.Status(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseSpecification, st.Current)
	assert.Equal(t, []string{domain.PhaseInitialization, domain.PhaseGoalClarification}, st.Completed)
}

func TestSubTaskCompletionDoesNotCloseAPhase(t *testing.T) {
	s := newScheduler(t, nil)
	ctx := context.Background()
	task, err := s.Queue.Enqueue(ctx, queue.EnqueueOptions{
		Namespace: "proj1",
		FromAgent: "orchestrator-initialization",
		ToAgent:   "project-initializer",
		TaskType:  domain.TaskTypeGenerateArtifact,
		Payload:   domain.TaskPayload{Phase: domain.PhaseInitialization},
	})
	require.NoError(t, err)
	finish(t, s.Queue, task.ID, true)

	phase, err := s.DetermineCurrentPhase(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseInitialization, phase)
}

func TestFailedPhaseIsNotRetriedAutomatically(t *testing.T) {
	s := newScheduler(t, nil)
	ctx := context.Background()
	first, err := s.Tick(ctx, "proj1", scheduler.TickOptions{})
	require.NoError(t, err)
	finish(t, s.Queue, first.TaskID, false)

	failed, err := s.Tick(ctx, "proj1", scheduler.TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionPhaseFailed, failed.Action)
	assert.Equal(t, "spec-writer: model unavailable", failed.Error)

	retry, err := s.Tick(ctx, "proj1", scheduler.TickOptions{Retry: true})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionEnqueued, retry.Action)
	assert.NotEqual(t, first.TaskID, retry.TaskID)
}

func TestCurrentPhaseIsMonotonic(t *testing.T) {
	wf, err := config.WorkflowFromYAML([]byte(`uber_agent: uber
phases:
  - {name: a, orchestrator: orch-a, primary_artifact: a.md}
  - {name: b, orchestrator: orch-b, primary_artifact: b.md, prerequisites: [a.md]}
  - {name: c, orchestrator: orch-c, primary_artifact: c.md, prerequisites: [b.md]}
`))
	require.NoError(t, err)
	s := newScheduler(t, wf)
	ctx := context.Background()

	order := map[string]int{"a": 0, "b": 1, "c": 2}
	prev := -1
	for i := 0; i < 3; i++ {
		res, err := s.Tick(ctx, "proj1", scheduler.TickOptions{})
		require.NoError(t, err)
		require.Equal(t, scheduler.ActionEnqueued, res.Action)
		assert.GreaterOrEqual(t, order[res.Phase], prev)
		prev = order[res.Phase]
		finish(t, s.Queue, res.TaskID, true)
	}

	res, err := s.Tick(ctx, "proj1", scheduler.TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionTerminal, res.Action)
	assert.Equal(t, "c", res.Phase)

	st, err := s.Status(ctx, "proj1")
	require.NoError(t, err)
	assert.True(t, st.Terminal)

	other, err := s.DetermineCurrentPhase(ctx, "proj2")
	require.NoError(t, err)
	assert.Equal(t, "a", other, "namespaces are isolated")
}

func TestHandlerTicks(t *testing.T) {
	s := newScheduler(t, nil)
	out, err := s.Handler()(context.Background(), domain.Task{
		Namespace: "proj1",
		Payload:   domain.TaskPayload{Context: map[string]any{domain.ContextGoal: "a todo app"}},
	})
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionEnqueued, out["action"])
	assert.Equal(t, true, out["success"])
}
