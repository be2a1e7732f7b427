// Package events appends audit events to the events table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"nightlobster/internal/domain"
)

// Event types written by the engine, executor and worker.
const (
	ProjectCreated      = "project.created"
	MissionCreated      = "mission.created"
	HandoffCreated      = "handoff.created"
	RunQueued           = "run.queued"
	RunDeduped          = "run.deduped"
	RunStarted          = "run.started"
	RunCompleted        = "run.completed"
	RunFailed           = "run.failed"
	EvaluationSubmitted = "evaluation.submitted"
	WorkItemCreated     = "work_item.created"
	WorkItemUpdated     = "work_item.updated"
	WorkItemLinked      = "work_item.linked"
	WorkItemUnlinked    = "work_item.unlinked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event through tx, or through DB when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	exec := w.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
