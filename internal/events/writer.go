package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"phaseline/internal/db"
)

// Event types.
const (
	TaskEnqueued      = "task.enqueued"
	TaskStarted       = "task.started"
	TaskCompleted     = "task.completed"
	TaskFailed        = "task.failed"
	TaskReaped        = "task.reaped"
	ArtifactRecorded  = "ledger.recorded"
	ArtifactRemoved   = "ledger.orphan_removed"
	ApprovalRequested = "approval.requested"
	ApprovalGranted   = "approval.approved"
)

type Writer struct {
	DB  *db.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, namespace, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := db.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.DB.Rebind(`INSERT INTO events(ts,type,namespace,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, namespace, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
