// Package approval records the sign-off that closes a phase.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/logging"
	"phaseline/internal/repo"
)

type Gate struct {
	DB     *db.DB
	Repo   repo.Repo
	Events events.Writer
	Logger *zap.Logger
	Now    func() time.Time
}

func New(conn *db.DB) Gate {
	return Gate{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Request creates or refreshes the approval record of a phase. In auto mode
// the record is approved immediately by actorID. An approved record is
// never reopened.
func (g Gate) Request(ctx context.Context, namespace, phase string, artifacts []string, message string, mode config.ApprovalMode, actorID string) (domain.Approval, error) {
	if !mode.Gated() {
		return domain.Approval{}, fmt.Errorf("phase %s does not take approvals (mode %q)", phase, mode)
	}
	if artifacts == nil {
		artifacts = []string{}
	}
	ts := db.FormatTime(g.now())
	a := domain.Approval{
		ID:          uuid.NewString(),
		Namespace:   namespace,
		Phase:       phase,
		Artifacts:   artifacts,
		Message:     message,
		Status:      domain.ApprovalPending,
		RequestedBy: actorID,
		CreatedAt:   ts,
	}
	if mode == config.ApprovalAuto {
		a.Status = domain.ApprovalApproved
		a.DecidedBy = &actorID
		a.DecidedAt = &ts
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	if err := g.Repo.UpsertApproval(ctx, tx, a); err != nil {
		return domain.Approval{}, fmt.Errorf("upsert approval: %w", err)
	}
	stored, err := g.Repo.GetApprovalTx(ctx, tx, namespace, phase)
	if err != nil {
		return domain.Approval{}, err
	}
	w := g.Events
	w.Now = g.now
	if err := w.Append(ctx, tx, events.ApprovalRequested, namespace, "approval", stored.ID, actorID, events.EventPayload{
		"phase":     phase,
		"status":    string(stored.Status),
		"artifacts": stored.Artifacts,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	logging.OrNop(g.Logger).Info("approval requested",
		zap.String("namespace", namespace),
		zap.String("phase", phase),
		zap.String("status", string(stored.Status)))
	return stored, nil
}

// Approve signs off a pending approval. Approving an approved record is a no-op.
func (g Gate) Approve(ctx context.Context, namespace, phase, actorID string) (domain.Approval, error) {
	if actorID == "" {
		return domain.Approval{}, errors.New("actor is required")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	ok, err := g.Repo.ApprovePending(ctx, tx, namespace, phase, actorID, db.FormatTime(g.now()))
	if err != nil {
		return domain.Approval{}, err
	}
	stored, err := g.Repo.GetApprovalTx(ctx, tx, namespace, phase)
	if err != nil {
		return domain.Approval{}, fmt.Errorf("approval for phase %s: %w", phase, err)
	}
	if ok {
		w := g.Events
		w.Now = g.now
		if err := w.Append(ctx, tx, events.ApprovalGranted, namespace, "approval", stored.ID, actorID, events.EventPayload{"phase": phase}); err != nil {
			return domain.Approval{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return stored, nil
}

func (g Gate) Get(ctx context.Context, namespace, phase string) (domain.Approval, error) {
	return g.Repo.GetApproval(ctx, namespace, phase)
}

func (g Gate) List(ctx context.Context, namespace, status string) ([]domain.Approval, error) {
	return g.Repo.ListApprovals(ctx, namespace, status)
}

// Satisfied reports whether the phase may be treated as closed.
func (g Gate) Satisfied(ctx context.Context, namespace, phase string, mode config.ApprovalMode) (bool, error) {
	if !mode.Gated() {
		return true, nil
	}
	a, err := g.Repo.GetApproval(ctx, namespace, phase)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Status == domain.ApprovalApproved, nil
}
