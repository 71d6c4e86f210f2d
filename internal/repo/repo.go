package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"visatrack/internal/domain"
	"visatrack/internal/events"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrConflict = errors.New("version conflict")
	// ErrEventsLost means the workflow write committed but its events could
	// not be recorded.
	ErrEventsLost = errors.New("workflow saved without events")
)

const (
	StateActive    = "active"
	StateCompleted = "completed"
)

// WorkflowFilter narrows ListWorkflows. Zero value lists everything.
type WorkflowFilter struct {
	State string
	Limit int
}

// Repo is the SQLite-backed workflow store. Each instance is one row whose
// steps are kept as a JSON document.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) Close() error {
	return r.DB.Close()
}

const workflowColumns = `id,owner_id,template,steps_json,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.WorkflowInstance, error) {
	var (
		w         domain.WorkflowInstance
		stepsJSON string
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.Template, &stepsJSON, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	steps, err := decodeSteps(stepsJSON)
	if err != nil {
		return w, fmt.Errorf("decode steps for %s: %w", w.OwnerID, err)
	}
	w.Steps = steps
	return w, nil
}

// decodeSteps ignores unknown fields on stored step documents.
func decodeSteps(data string) ([]domain.StepRecord, error) {
	var steps []domain.StepRecord
	if err := json.Unmarshal([]byte(data), &steps); err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].Attachments == nil {
			steps[i].Attachments = []string{}
		}
	}
	return steps, nil
}

func encodeSteps(steps []domain.StepRecord) (string, error) {
	b, err := json.Marshal(steps)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r Repo) GetWorkflow(ctx context.Context, ownerID string) (domain.WorkflowInstance, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE owner_id=?`, ownerID))
}

// CreateWorkflow inserts a new instance; ErrExists when the owner already has one.
func (r Repo) CreateWorkflow(ctx context.Context, w domain.WorkflowInstance, evts []domain.Event) error {
	stepsJSON, err := encodeSteps(w.Steps)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`,completed) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.OwnerID, w.Template, stepsJSON, w.Version, w.CreatedAt, w.UpdatedAt, boolInt(w.Completed()))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	if err := r.Events.AppendAll(ctx, tx, evts); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateWorkflow replaces the stored document if its version still equals
// expectedVersion; ErrConflict otherwise.
func (r Repo) UpdateWorkflow(ctx context.Context, w domain.WorkflowInstance, expectedVersion int64, evts []domain.Event) error {
	stepsJSON, err := encodeSteps(w.Steps)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET steps_json=?,version=?,completed=?,updated_at=? WHERE owner_id=? AND version=?`,
		stepsJSON, w.Version, boolInt(w.Completed()), w.UpdatedAt, w.OwnerID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE owner_id=?`, w.OwnerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	if err := r.Events.AppendAll(ctx, tx, evts); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]domain.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var (
		where []string
		args  []any
	)
	switch f.State {
	case "":
	case StateActive:
		where = append(where, "completed=0")
	case StateCompleted:
		where = append(where, "completed=1")
	default:
		return nil, fmt.Errorf("invalid state filter %q", f.State)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, owner_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ListEvents returns an owner's events, newest first.
func (r Repo) ListEvents(ctx context.Context, ownerID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,owner_id,workflow_id,COALESCE(sequence,0),payload_json FROM events WHERE owner_id=? ORDER BY id DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with id > afterID in ascending order.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,owner_id,workflow_id,COALESCE(sequence,0),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OwnerID, &e.WorkflowID, &e.Sequence, &payload); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
