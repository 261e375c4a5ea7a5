package notify

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "phaseline.proj_2e1.agent.spec-writer", AgentSubject("proj.1", "spec-writer"))
	assert.Equal(t, "phaseline.p.task.42", TaskSubject("p", 42))
	assert.Equal(t, "phaseline.p.task.*", TasksSubject("p"))
	assert.Equal(t, "phaseline._.agent.a_20b", AgentSubject("", "a b"))
}

func TestTokenKeepsNamespacesApart(t *testing.T) {
	names := []string{"proj.1", "proj_1", "proj 1", "proj*1", "proj>1", "proj1", "", "_", "_2e", "é"}
	seen := map[string]string{}
	for _, n := range names {
		tok := token(n)
		if prev, ok := seen[tok]; ok {
			t.Fatalf("%q and %q both map to %q", prev, n, tok)
		}
		seen[tok] = n
		assert.NotContains(t, tok, ".")
		assert.NotContains(t, tok, "*")
		assert.NotContains(t, tok, ">")
	}
}

func TestNATSDoesNotCrossWakeSimilarNamespaces(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	n := NewNATS(nc, nil)
	defer n.Close()

	wake, cancel, err := n.Subscribe(AgentSubject("proj_1", "writer"))
	require.NoError(t, err)
	defer cancel()

	n.TaskEnqueued("proj.1", "writer", 1)
	require.NoError(t, nc.Flush())
	select {
	case <-wake:
		t.Fatal("proj.1 woke a proj_1 subscriber")
	case <-time.After(100 * time.Millisecond):
	}

	n.TaskEnqueued("proj_1", "writer", 2)
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("expected wake-up for proj_1")
	}
}

func TestNATSWakesSubscriber(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	n := NewNATS(nc, nil)
	defer n.Close()

	wake, cancel, err := n.Subscribe(AgentSubject("proj1", "writer"))
	require.NoError(t, err)
	defer cancel()

	n.TaskEnqueued("proj1", "writer", 7)
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("expected wake signal")
	}
}

func TestNATSTaskWildcard(t *testing.T) {
	server := startTestNATSServer(t)
	n, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)
	defer n.Close()

	wake, cancel, err := n.Subscribe(TasksSubject("proj1"))
	require.NoError(t, err)
	defer cancel()

	// Signals coalesce into a single pending wake.
	n.TaskFinished("proj1", 1, domain.TaskCompleted)
	n.TaskFinished("proj1", 2, domain.TaskFailed)
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("expected wake signal")
	}
}

func TestNopNeverWakes(t *testing.T) {
	var n Notifier = Nop{}
	wake, cancel, err := n.Subscribe("anything")
	require.NoError(t, err)
	defer cancel()
	n.TaskEnqueued("p", "a", 1)
	select {
	case <-wake:
		t.Fatal("nop should not wake")
	case <-time.After(20 * time.Millisecond):
	}
}
