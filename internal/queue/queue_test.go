package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
	"phaseline/internal/queue"
	"phaseline/internal/repo"
)

type testEnv struct {
	Queue queue.Queue
	Ctx   context.Context
	clock *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := queue.New(conn)
	env := testEnv{Queue: q, Ctx: context.Background(), clock: &clock}
	env.Queue.Now = func() time.Time { return *env.clock }
	return env
}

func (e testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func (e testEnv) enqueue(t *testing.T, ns, to string, priority int) domain.Task {
	t.Helper()
	task, err := e.Queue.Enqueue(e.Ctx, queue.EnqueueOptions{
		Namespace: ns,
		FromAgent: "tester",
		ToAgent:   to,
		TaskType:  "write",
		Priority:  priority,
		Payload:   domain.TaskPayload{Description: "write something", Phase: "specification"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func TestFetchPendingPriorityThenFIFO(t *testing.T) {
	env := newTestEnv(t)
	low := env.enqueue(t, "proj1", "writer", 5)
	env.advance(time.Second)
	high := env.enqueue(t, "proj1", "writer", 9)
	env.advance(time.Second)
	lowLater := env.enqueue(t, "proj1", "writer", 5)
	// Same timestamp: id breaks the tie.
	lowSameTS := env.enqueue(t, "proj1", "writer", 5)
	env.enqueue(t, "proj1", "reviewer", 100)

	pending, err := env.Queue.FetchPending(env.Ctx, "proj1", "writer")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []int64{high.ID, low.ID, lowLater.ID, lowSameTS.ID}
	if len(pending) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(pending))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Fatalf("position %d: got task %d want %d", i, pending[i].ID, id)
		}
	}
	if pending[0].Priority != 9 || pending[0].Payload.Priority != 9 {
		t.Fatalf("priority not mirrored into payload: %+v", pending[0])
	}
	if pending[0].Payload.TaskID != high.ID {
		t.Fatalf("payload task_id %d, want %d", pending[0].Payload.TaskID, high.ID)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "proj1", "writer", 1)
	env.enqueue(t, "proj2", "writer", 1)

	pending, err := env.Queue.FetchPending(env.Ctx, "proj2", "writer")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 1 || pending[0].Namespace != "proj2" {
		t.Fatalf("expected only proj2 task, got %+v", pending)
	}
	if _, err := env.Queue.GetInNamespace(env.Ctx, "proj2", task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found across namespaces, got %v", err)
	}
}

func TestClaimAndStartIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "proj1", "writer", 1)

	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := env.Queue.ClaimAndStart(env.Ctx, task.ID)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim error: %v", err)
	}
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	got, err := env.Queue.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskInProgress || got.StartedAt == nil {
		t.Fatalf("expected in_progress with started_at, got %+v", got)
	}
}

// Separate handles on one database file stand in for separate agent processes.
func TestClaimAndStartIsExclusiveAcrossConnections(t *testing.T) {
	workspace := t.TempDir()
	const handles = 8
	queues := make([]queue.Queue, handles)
	for i := range queues {
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			t.Fatalf("open handle %d: %v", i, err)
		}
		t.Cleanup(func() { conn.Close() })
		if i == 0 {
			if err := migrate.Migrate(conn); err != nil {
				t.Fatalf("migrate: %v", err)
			}
		}
		queues[i] = queue.New(conn)
	}
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		task, err := queues[0].Enqueue(ctx, queue.EnqueueOptions{
			Namespace: "proj1",
			FromAgent: "tester",
			ToAgent:   "writer",
			TaskType:  "write",
			Payload:   domain.TaskPayload{Description: "race"},
		})
		if err != nil {
			t.Fatalf("round %d enqueue: %v", round, err)
		}
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make(chan error, handles)
		for _, q := range queues {
			wg.Add(1)
			go func(q queue.Queue) {
				defer wg.Done()
				<-start
				ok, err := q.ClaimAndStart(ctx, task.ID)
				if err != nil {
					errs <- err
					return
				}
				if ok {
					wins.Add(1)
				}
			}(q)
		}
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("round %d claim error: %v", round, err)
		}
		if wins.Load() != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, wins.Load())
		}
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "proj1", "writer", 1)

	if err := env.Queue.Complete(env.Ctx, task.ID, nil); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("complete on pending: expected invalid transition, got %v", err)
	}
	ok, err := env.Queue.ClaimAndStart(env.Ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := env.Queue.Complete(env.Ctx, task.ID, map[string]any{"files": []string{"docs/a.md"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Terminal: further calls are no-ops.
	if err := env.Queue.Complete(env.Ctx, task.ID, map[string]any{"other": true}); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if err := env.Queue.Fail(env.Ctx, task.ID, "late failure"); err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	ok, err = env.Queue.ClaimAndStart(env.Ctx, task.ID)
	if err != nil || ok {
		t.Fatalf("reclaim terminal task: ok=%v err=%v", ok, err)
	}
	got, err := env.Queue.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status changed after terminal: %s", got.Status)
	}
	if got.Error != "" || got.Result["other"] != nil {
		t.Fatalf("terminal payload overwritten: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestFailRecordsError(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "proj1", "writer", 1)
	if ok, err := env.Queue.ClaimAndStart(env.Ctx, task.ID); err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}
	if err := env.Queue.Fail(env.Ctx, task.ID, "model timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := env.Queue.Get(env.Ctx, task.ID)
	if got.Status != domain.TaskFailed || got.Error != "model timeout" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if queue.Reaped(got) {
		t.Fatal("a worker failure must not look reaped")
	}
}

func TestFinishUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Queue.Complete(env.Ctx, 999, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ok, err := env.Queue.ClaimAndStart(env.Ctx, 999)
	if err != nil || ok {
		t.Fatalf("claim missing task: ok=%v err=%v", ok, err)
	}
}

func TestFailStaleOnlyTouchesOldInProgress(t *testing.T) {
	env := newTestEnv(t)
	old := env.enqueue(t, "proj1", "writer", 1)
	if ok, _ := env.Queue.ClaimAndStart(env.Ctx, old.ID); !ok {
		t.Fatal("claim old")
	}
	env.advance(2 * time.Hour)
	fresh := env.enqueue(t, "proj1", "writer", 1)
	if ok, _ := env.Queue.ClaimAndStart(env.Ctx, fresh.ID); !ok {
		t.Fatal("claim fresh")
	}
	pending := env.enqueue(t, "proj1", "writer", 1)

	stale, err := env.Queue.ListStale(env.Ctx, "proj1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only old task stale, got %+v", stale)
	}
	reaped, err := env.Queue.FailStale(env.Ctx, "proj1", time.Hour, "operator")
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if len(reaped) != 1 || reaped[0].Status != domain.TaskFailed {
		t.Fatalf("unexpected reaped: %+v", reaped)
	}
	if !queue.Reaped(reaped[0]) {
		t.Fatalf("expected reaped marker in result, got %+v", reaped[0].Result)
	}
	for id, want := range map[int64]domain.TaskStatus{fresh.ID: domain.TaskInProgress, pending.ID: domain.TaskPending} {
		got, _ := env.Queue.Get(env.Ctx, id)
		if got.Status != want {
			t.Fatalf("task %d: got %s want %s", id, got.Status, want)
		}
	}
}

func TestEnqueueValidates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Queue.Enqueue(env.Ctx, queue.EnqueueOptions{Namespace: "p", FromAgent: "a", TaskType: "x"}); err == nil {
		t.Fatal("expected error without to_agent")
	}
	if _, err := env.Queue.Enqueue(env.Ctx, queue.EnqueueOptions{ToAgent: "b", FromAgent: "a", TaskType: "x"}); err == nil {
		t.Fatal("expected error without namespace")
	}
}
