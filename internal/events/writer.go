package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"visatrack/internal/domain"
)

const (
	WorkflowCreated   = "workflow.created"
	ArtifactsAttached = "step.artifacts.attached"
	StepCompleted     = "step.completed"
	StepStarted       = "step.started"
	WorkflowCompleted = "workflow.completed"
)

// Writer appends workflow events inside the caller's transaction.
type Writer struct{}

func (Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event) (int64, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,owner_id,workflow_id,sequence,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.OwnerID, evt.WorkflowID, nullableInt(evt.Sequence), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, evts []domain.Event) error {
	for _, evt := range evts {
		if _, err := w.Append(ctx, tx, evt); err != nil {
			return fmt.Errorf("append %s: %w", evt.Type, err)
		}
	}
	return nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
