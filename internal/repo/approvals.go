package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"phaseline/internal/domain"
)

const approvalColumns = `id,namespace,phase,artifacts_json,message,status,requested_by,decided_by,created_at,decided_at`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var artifacts, status string
	var decidedBy, decidedAt sql.NullString
	err := row.Scan(&a.ID, &a.Namespace, &a.Phase, &artifacts, &a.Message, &status, &a.RequestedBy, &decidedBy, &a.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.ApprovalStatus(status)
	a.DecidedBy = ptrFromNull(decidedBy)
	a.DecidedAt = ptrFromNull(decidedAt)
	if err := json.Unmarshal([]byte(artifacts), &a.Artifacts); err != nil {
		return a, fmt.Errorf("decode approval artifacts: %w", err)
	}
	return a, nil
}

// UpsertApproval creates the approval for (namespace, phase) or refreshes a
// pending one. An approved record is left untouched.
func (r Repo) UpsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	artifacts, err := marshalJSON(a.Artifacts)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.bind(`INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(namespace,phase) DO UPDATE SET
  artifacts_json=excluded.artifacts_json,
  message=excluded.message,
  status=excluded.status,
  requested_by=excluded.requested_by,
  decided_by=excluded.decided_by,
  decided_at=excluded.decided_at
WHERE approvals.status <> 'approved'`),
		a.ID, a.Namespace, a.Phase, artifacts, a.Message, string(a.Status), a.RequestedBy,
		nullableStringPtr(a.DecidedBy), a.CreatedAt, nullableStringPtr(a.DecidedAt))
	return err
}

func (r Repo) GetApproval(ctx context.Context, namespace, phase string) (domain.Approval, error) {
	return r.GetApprovalTx(ctx, nil, namespace, phase)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, namespace, phase string) (domain.Approval, error) {
	return scanApproval(r.on(tx).QueryRowContext(ctx, r.bind(`SELECT `+approvalColumns+` FROM approvals WHERE namespace=? AND phase=?`), namespace, phase))
}

func (r Repo) ListApprovals(ctx context.Context, namespace, status string) ([]domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE namespace=?`
	args := []any{namespace}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ApprovePending marks a pending approval approved. False means it was
// missing or already approved.
func (r Repo) ApprovePending(ctx context.Context, tx *sql.Tx, namespace, phase, actorID, decidedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.bind(`UPDATE approvals SET status='approved', decided_by=?, decided_at=? WHERE namespace=? AND phase=? AND status='pending'`),
		actorID, decidedAt, namespace, phase)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
