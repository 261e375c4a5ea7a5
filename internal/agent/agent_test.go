package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/agent"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
	"phaseline/internal/queue"
)

func newQueue(t *testing.T) queue.Queue {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return queue.New(conn)
}

func enqueue(t *testing.T, q queue.Queue, to string, priority int, desc string) domain.Task {
	t.Helper()
	task, err := q.Enqueue(context.Background(), queue.EnqueueOptions{
		Namespace: "proj1",
		FromAgent: "tester",
		ToAgent:   to,
		TaskType:  domain.TaskTypeGenerateArtifact,
		Priority:  priority,
		Payload:   domain.TaskPayload{Description: desc},
	})
	require.NoError(t, err)
	return task
}

func TestRunOnceProcessesInQueueOrder(t *testing.T) {
	q := newQueue(t)
	first := enqueue(t, q, "writer", 1, "low")
	second := enqueue(t, q, "writer", 7, "high")
	enqueue(t, q, "reviewer", 9, "someone else")

	var seen []int64
	loop := agent.Loop{
		Queue:     q,
		Namespace: "proj1",
		Agent:     "writer",
		Handler: func(_ context.Context, task domain.Task) (map[string]any, error) {
			seen = append(seen, task.ID)
			assert.Equal(t, domain.TaskInProgress, task.Status)
			return map[string]any{"desc": task.Payload.Description}, nil
		},
	}
	n, err := loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{second.ID, first.ID}, seen)

	got, err := q.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, "low", got.Result["desc"])
	require.NotNil(t, got.CompletedAt)
}

func TestHandlerErrorFailsTask(t *testing.T) {
	q := newQueue(t)
	task := enqueue(t, q, "writer", 0, "boom")
	loop := agent.Loop{
		Queue:     q,
		Namespace: "proj1",
		Agent:     "writer",
		Handler: func(context.Context, domain.Task) (map[string]any, error) {
			return nil, errors.New("disk full")
		},
	}
	out, err := loop.RunTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, out.Claimed)
	assert.EqualError(t, out.Err, "disk full")

	got, err := q.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "disk full", got.Error)
}

func TestProcessLostClaim(t *testing.T) {
	q := newQueue(t)
	task := enqueue(t, q, "writer", 0, "contended")
	ok, err := q.ClaimAndStart(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	loop := agent.Loop{
		Queue:     q,
		Namespace: "proj1",
		Agent:     "writer",
		Handler: func(context.Context, domain.Task) (map[string]any, error) {
			called = true
			return nil, nil
		},
	}
	out, err := loop.Process(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, out.Claimed)
	assert.False(t, called)
}

func TestRunTaskRejectsOtherAgent(t *testing.T) {
	q := newQueue(t)
	task := enqueue(t, q, "reviewer", 0, "not mine")
	loop := agent.Loop{
		Queue:     q,
		Namespace: "proj1",
		Agent:     "writer",
		Handler:   func(context.Context, domain.Task) (map[string]any, error) { return nil, nil },
	}
	_, err := loop.RunTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "addressed to reviewer")
}

func TestRunSynthetic(t *testing.T) {
	q := newQueue(t)
	loop := agent.Loop{
		Queue:     q,
		Namespace: "proj1",
		Agent:     "writer",
		Handler: func(_ context.Context, task domain.Task) (map[string]any, error) {
			return map[string]any{"type": task.TaskType}, nil
		},
	}
	out, err := loop.RunSynthetic(context.Background(), "", domain.TaskPayload{})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, out.Task.Status)
	assert.Equal(t, domain.TaskTypeSynthetic, out.Result["type"])
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newQueue(t)
	task := enqueue(t, q, "writer", 0, "background")
	done := make(chan int64, 1)
	loop := agent.Loop{
		Queue:     q,
		Namespace: "proj1",
		Agent:     "writer",
		Interval:  10 * time.Millisecond,
		Handler: func(_ context.Context, task domain.Task) (map[string]any, error) {
			done <- task.ID
			return nil, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	select {
	case id := <-done:
		assert.Equal(t, task.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not processed")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopValidation(t *testing.T) {
	q := newQueue(t)
	_, err := agent.Loop{Queue: q, Agent: "writer"}.RunOnce(context.Background())
	assert.Error(t, err)
	_, err = agent.Loop{Queue: q, Namespace: "proj1", Agent: "writer"}.RunOnce(context.Background())
	assert.Error(t, err)
}
