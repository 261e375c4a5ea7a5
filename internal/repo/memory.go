package repo

import (
	"context"
	"database/sql"
	"strings"

	"phaseline/internal/domain"
)

const memoryColumns = `namespace,file_path,memory_type,brief_description,elements_description,rationale,version,content_fingerprint,token_count,created_at,last_updated_at`

func scanMemoryRecord(row rowScanner) (domain.MemoryRecord, error) {
	var m domain.MemoryRecord
	err := row.Scan(&m.Namespace, &m.FilePath, &m.MemoryType, &m.BriefDescription, &m.ElementsDescription, &m.Rationale,
		&m.Version, &m.ContentFingerprint, &m.TokenCount, &m.CreatedAt, &m.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// UpsertMemoryRecord inserts m with version 1, or bumps the version and
// overwrites the descriptive fields when the fingerprint differs. It returns
// the resulting version and whether a row was written.
func (r Repo) UpsertMemoryRecord(ctx context.Context, tx *sql.Tx, m domain.MemoryRecord) (int, bool, error) {
	var version int
	err := r.on(tx).QueryRowContext(ctx, r.bind(`INSERT INTO memory_records(`+memoryColumns+`) VALUES (?,?,?,?,?,?,1,?,?,?,?)
ON CONFLICT(namespace,file_path) DO UPDATE SET
  memory_type=excluded.memory_type,
  brief_description=excluded.brief_description,
  elements_description=excluded.elements_description,
  rationale=excluded.rationale,
  version=memory_records.version+1,
  content_fingerprint=excluded.content_fingerprint,
  token_count=excluded.token_count,
  last_updated_at=excluded.last_updated_at
WHERE memory_records.content_fingerprint <> excluded.content_fingerprint
RETURNING version`),
		m.Namespace, m.FilePath, m.MemoryType, m.BriefDescription, m.ElementsDescription, m.Rationale,
		m.ContentFingerprint, m.TokenCount, m.CreatedAt, m.LastUpdatedAt).Scan(&version)
	if err == sql.ErrNoRows {
		existing, err := r.GetMemoryRecordTx(ctx, tx, m.Namespace, m.FilePath)
		if err != nil {
			return 0, false, err
		}
		return existing.Version, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func (r Repo) GetMemoryRecord(ctx context.Context, namespace, filePath string) (domain.MemoryRecord, error) {
	return r.GetMemoryRecordTx(ctx, nil, namespace, filePath)
}

func (r Repo) GetMemoryRecordTx(ctx context.Context, tx *sql.Tx, namespace, filePath string) (domain.MemoryRecord, error) {
	return scanMemoryRecord(r.on(tx).QueryRowContext(ctx, r.bind(`SELECT `+memoryColumns+` FROM memory_records WHERE namespace=? AND file_path=?`), namespace, filePath))
}

// ListMemoryRecords returns records ordered by path; memoryType filters when set.
func (r Repo) ListMemoryRecords(ctx context.Context, namespace, memoryType string) ([]domain.MemoryRecord, error) {
	clauses := []string{"namespace=?"}
	args := []any{namespace}
	if memoryType != "" {
		clauses = append(clauses, "memory_type=?")
		args = append(args, memoryType)
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT `+memoryColumns+` FROM memory_records WHERE `+strings.Join(clauses, " AND ")+` ORDER BY file_path ASC`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemoryRecord
	for rows.Next() {
		m, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteMemoryRecord(ctx context.Context, tx *sql.Tx, namespace, filePath string) error {
	res, err := r.on(tx).ExecContext(ctx, r.bind(`DELETE FROM memory_records WHERE namespace=? AND file_path=?`), namespace, filePath)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type MemorySummary struct {
	TotalFiles         int
	CountsByMemoryType map[string]int
	LastUpdatedAt      string
}

func (r Repo) SummarizeMemory(ctx context.Context, namespace string) (MemorySummary, error) {
	out := MemorySummary{CountsByMemoryType: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT memory_type, COUNT(*), MAX(last_updated_at) FROM memory_records WHERE namespace=? GROUP BY memory_type`), namespace)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var memoryType, last string
		var n int
		if err := rows.Scan(&memoryType, &n, &last); err != nil {
			return out, err
		}
		out.CountsByMemoryType[memoryType] = n
		out.TotalFiles += n
		if last > out.LastUpdatedAt {
			out.LastUpdatedAt = last
		}
	}
	return out, rows.Err()
}
