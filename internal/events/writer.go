package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	ProgramInit       = "program.init"
	ProgramConfigured = "program.configured"
	EntityCreated     = "entity.created"
	EvidenceAttached  = "evidence.attached"
	EvidenceApproved  = "evidence.approved"
	EvidenceRejected  = "evidence.rejected"
	EvidenceRemoved   = "evidence.removed"
	StageAdvanced     = "stage.advanced"
	StageOverridden   = "stage.overridden"
	ProgressRecorded  = "progress.recorded"
	RoleGranted       = "rbac.role.granted"
	RoleRevoked       = "rbac.role.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, programID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,program_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(programID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
