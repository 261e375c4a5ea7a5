// Package ledger is the single authority for recording produced artifacts.
// Records are versioned and deduplicated by content fingerprint.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/logging"
	"phaseline/internal/metrics"
	"phaseline/internal/repo"
)

// ErrFileNotFound is returned when the artifact is absent on disk.
var ErrFileNotFound = errors.New("file not found")

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeError     Outcome = "error"
)

// Artifact describes one file to record.
type Artifact struct {
	FilePath            string `json:"file_path"`
	MemoryType          string `json:"memory_type"`
	BriefDescription    string `json:"brief_description,omitempty"`
	ElementsDescription string `json:"elements_description,omitempty"`
	Rationale           string `json:"rationale,omitempty"`
}

type Recorded struct {
	Version int     `json:"version"`
	Outcome Outcome `json:"outcome"`
}

// ItemResult is the per-item outcome of RecordBatch.
type ItemResult struct {
	FilePath string  `json:"file_path"`
	Version  int     `json:"version,omitempty"`
	Outcome  Outcome `json:"outcome"`
	Error    string  `json:"error,omitempty"`
	Err      error   `json:"-"`
}

func (r ItemResult) OK() bool { return r.Err == nil }

type Summary struct {
	TotalFiles         int            `json:"total_files"`
	CountsByMemoryType map[string]int `json:"counts_by_memory_type"`
	LastUpdatedAt      string         `json:"last_updated_at,omitempty"`
}

type Ledger struct {
	DB     *db.DB
	Repo   repo.Repo
	Events events.Writer
	// Root resolves relative file paths.
	Root   string
	Actor  string
	Logger *zap.Logger
	Now    func() time.Time
}

func New(conn *db.DB, root string) Ledger {
	return Ledger{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Root:   root,
		Actor:  "state-ledger",
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Resolve returns the on-disk location of filePath.
func (l Ledger) Resolve(filePath string) string {
	if filepath.IsAbs(filePath) || l.Root == "" {
		return filePath
	}
	return filepath.Join(l.Root, filePath)
}

// Fingerprint is the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TokenCount approximates tokens as one per four bytes.
func TokenCount(data []byte) int {
	return (len(data) + 3) / 4
}

// RecordArtifact records the file and returns its current version.
func (l Ledger) RecordArtifact(ctx context.Context, namespace string, a Artifact) (int, error) {
	rec, err := l.Record(ctx, namespace, a)
	return rec.Version, err
}

// Record is RecordArtifact that also reports whether anything was written.
func (l Ledger) Record(ctx context.Context, namespace string, a Artifact) (Recorded, error) {
	rec, err := l.record(ctx, namespace, a)
	if err != nil {
		metrics.LedgerRecords.WithLabelValues(string(OutcomeError)).Inc()
		return rec, err
	}
	metrics.LedgerRecords.WithLabelValues(string(rec.Outcome)).Inc()
	return rec, nil
}

func (l Ledger) record(ctx context.Context, namespace string, a Artifact) (Recorded, error) {
	if namespace == "" {
		return Recorded{}, errors.New("namespace is required")
	}
	if a.FilePath == "" {
		return Recorded{}, errors.New("file_path is required")
	}
	if a.MemoryType == "" {
		return Recorded{}, errors.New("memory_type is required")
	}
	data, err := os.ReadFile(l.Resolve(a.FilePath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Recorded{}, fmt.Errorf("%w: %s", ErrFileNotFound, a.FilePath)
		}
		return Recorded{}, fmt.Errorf("read %s: %w", a.FilePath, err)
	}
	ts := db.FormatTime(l.now())
	m := domain.MemoryRecord{
		Namespace:           namespace,
		FilePath:            a.FilePath,
		MemoryType:          a.MemoryType,
		BriefDescription:    a.BriefDescription,
		ElementsDescription: a.ElementsDescription,
		Rationale:           a.Rationale,
		ContentFingerprint:  Fingerprint(data),
		TokenCount:          TokenCount(data),
		CreatedAt:           ts,
		LastUpdatedAt:       ts,
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Recorded{}, err
	}
	defer tx.Rollback()
	version, written, err := l.Repo.UpsertMemoryRecord(ctx, tx, m)
	if err != nil {
		return Recorded{}, fmt.Errorf("upsert memory record %s: %w", a.FilePath, err)
	}
	out := Recorded{Version: version, Outcome: OutcomeUnchanged}
	if written {
		out.Outcome = OutcomeUpdated
		if version == 1 {
			out.Outcome = OutcomeCreated
		}
		w := l.Events
		w.Now = l.now
		if err := w.Append(ctx, tx, events.ArtifactRecorded, namespace, "memory_record", a.FilePath, l.actor(), events.EventPayload{
			"version":     version,
			"memory_type": a.MemoryType,
			"fingerprint": m.ContentFingerprint,
			"outcome":     string(out.Outcome),
		}); err != nil {
			return Recorded{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Recorded{}, err
	}
	l.logger().Debug("artifact recorded",
		zap.String("namespace", namespace),
		zap.String("file_path", a.FilePath),
		zap.Int("version", version),
		zap.String("outcome", string(out.Outcome)))
	return out, nil
}

// RecordBatch records every artifact independently. The result has one entry
// per input, in input order; a failed item never stops the rest.
func (l Ledger) RecordBatch(ctx context.Context, namespace string, artifacts []Artifact) []ItemResult {
	results := make([]ItemResult, 0, len(artifacts))
	for _, a := range artifacts {
		rec, err := l.Record(ctx, namespace, a)
		item := ItemResult{FilePath: a.FilePath, Version: rec.Version, Outcome: rec.Outcome}
		if err != nil {
			item.Outcome = OutcomeError
			item.Err = err
			item.Error = err.Error()
			l.logger().Warn("artifact record failed",
				zap.String("namespace", namespace),
				zap.String("file_path", a.FilePath),
				zap.Error(err))
		}
		results = append(results, item)
	}
	return results
}

// CleanOrphans deletes records whose file no longer exists and returns how
// many were removed.
func (l Ledger) CleanOrphans(ctx context.Context, namespace string) (int, error) {
	records, err := l.Repo.ListMemoryRecords(ctx, namespace, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range records {
		if _, err := os.Stat(l.Resolve(m.FilePath)); err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := l.removeRecord(ctx, namespace, m.FilePath); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (l Ledger) removeRecord(ctx context.Context, namespace, filePath string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Repo.DeleteMemoryRecord(ctx, tx, namespace, filePath); err != nil {
		return err
	}
	w := l.Events
	w.Now = l.now
	if err := w.Append(ctx, tx, events.ArtifactRemoved, namespace, "memory_record", filePath, l.actor(), nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (l Ledger) Summarize(ctx context.Context, namespace string) (Summary, error) {
	s, err := l.Repo.SummarizeMemory(ctx, namespace)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		TotalFiles:         s.TotalFiles,
		CountsByMemoryType: s.CountsByMemoryType,
		LastUpdatedAt:      s.LastUpdatedAt,
	}, nil
}

func (l Ledger) Get(ctx context.Context, namespace, filePath string) (domain.MemoryRecord, error) {
	return l.Repo.GetMemoryRecord(ctx, namespace, filePath)
}

func (l Ledger) List(ctx context.Context, namespace, memoryType string) ([]domain.MemoryRecord, error) {
	return l.Repo.ListMemoryRecords(ctx, namespace, memoryType)
}

func (l Ledger) actor() string {
	if l.Actor != "" {
		return l.Actor
	}
	return "state-ledger"
}

func (l Ledger) logger() *zap.Logger {
	return logging.OrNop(l.Logger)
}
