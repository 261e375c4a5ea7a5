package approval_test

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
	"phaseline/internal/repo"
)

func newGate(t *testing.T) approval.Gate {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return approval.New(conn)
}

func TestManualApprovalLifecycle(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	ok, err := g.Satisfied(ctx, "ns", "specification", config.ApprovalManual)
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := g.Request(ctx, "ns", "specification", []string{"docs/spec.md"}, "please review", config.ApprovalManual, "orchestrator-specification")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, a.Status)
	assert.Equal(t, []string{"docs/spec.md"}, a.Artifacts)
	assert.NotEmpty(t, a.ID)

	ok, err = g.Satisfied(ctx, "ns", "specification", config.ApprovalManual)
	require.NoError(t, err)
	assert.False(t, ok)

	approved, err := g.Approve(ctx, "ns", "specification", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, approved.Status)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "alice", *approved.DecidedBy)

	// Re-requesting keeps the approval.
	again, err := g.Request(ctx, "ns", "specification", []string{"docs/other.md"}, "again", config.ApprovalManual, "orchestrator-specification")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, again.Status)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, []string{"docs/spec.md"}, again.Artifacts)

	ok, err = g.Satisfied(ctx, "ns", "specification", config.ApprovalManual)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAutoApproval(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	a, err := g.Request(ctx, "ns", "refinement-testing", nil, "auto", config.ApprovalAuto, "orch")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, a.Status)
	assert.Empty(t, a.Artifacts)
}

func TestRequestRefreshesPending(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	first, err := g.Request(ctx, "ns", "architecture", []string{"a.md"}, "v1", config.ApprovalManual, "orch")
	require.NoError(t, err)
	second, err := g.Request(ctx, "ns", "architecture", []string{"a.md", "b.md"}, "v2", config.ApprovalManual, "orch")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "v2", second.Message)

	list, err := g.List(ctx, "ns", "pending")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApproveMissing(t *testing.T) {
	g := newGate(t)
	_, err := g.Approve(context.Background(), "ns", "architecture", "alice")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUngatedPhase(t *testing.T) {
	g := newGate(t)
	ok, err := g.Satisfied(context.Background(), "ns", "pseudocode", config.ApprovalNone)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = g.Request(context.Background(), "ns", "pseudocode", nil, "", config.ApprovalNone, "orch")
	assert.Error(t, err)
}
