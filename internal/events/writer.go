// Package events maintains the append-only journal. Rows are written inside
// the same transaction as the state change they describe, so the journal never
// records a change that rolled back.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event type names, <entity>.<what-happened>.
const (
	CycleInit         = "cycle.init"
	InstanceStarted   = "instance.started"
	InstanceCompleted = "instance.completed"
	InstanceCandidate = "instance.candidate_complete"
	PhaseClosed       = "phase.closed"
	UnitRegistered    = "unit.registered"
	VersionCreated    = "version.created"
	VersionItemsAdded = "version.items_added"
	VersionSubmitted  = "version.submitted"
	VersionApproved   = "version.approved"
	VersionRejected   = "version.rejected"
	VersionCarried    = "version.carried_forward"
	DecisionRecorded  = "decision.recorded"
	ItemReopened      = "item.reopened"
	JobDispatched     = "job.dispatched"
	JobCompleted      = "job.completed"
	JobStale          = "job.stale"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) timestamp() string {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Append writes one journal row in the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, cycleID, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,cycle_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.timestamp(), evtType, nullable(cycleID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
