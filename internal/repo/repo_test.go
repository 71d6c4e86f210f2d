package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visatrack/internal/db"
	"visatrack/internal/domain"
	"visatrack/internal/events"
	"visatrack/internal/migrate"
	"visatrack/internal/repo"
)

// workflowStore is the contract both backends satisfy.
type workflowStore interface {
	GetWorkflow(ctx context.Context, ownerID string) (domain.WorkflowInstance, error)
	CreateWorkflow(ctx context.Context, w domain.WorkflowInstance, evts []domain.Event) error
	UpdateWorkflow(ctx context.Context, w domain.WorkflowInstance, expectedVersion int64, evts []domain.Event) error
	ListWorkflows(ctx context.Context, f repo.WorkflowFilter) ([]domain.WorkflowInstance, error)
	ListEvents(ctx context.Context, ownerID string, limit int) ([]domain.Event, error)
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

func newSQLiteRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.New(conn)
}

func sampleWorkflow(owner, createdAt string) domain.WorkflowInstance {
	return domain.WorkflowInstance{
		ID:       "wf-" + owner,
		OwnerID:  owner,
		Template: "visa-application",
		Steps: []domain.StepRecord{
			{Sequence: 1, Title: "Send Agreement", Status: domain.StatusInProgress, Attachments: []string{}},
			{Sequence: 2, Title: "Final Submission", Status: domain.StatusNotStarted, Attachments: []string{}},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Version:   1,
	}
}

func evt(typ string, w domain.WorkflowInstance, seq int) domain.Event {
	return domain.Event{
		TS:         w.UpdatedAt,
		Type:       typ,
		OwnerID:    w.OwnerID,
		WorkflowID: w.ID,
		Sequence:   seq,
		Payload:    map[string]any{"note": typ},
	}
}

func completeAll(w domain.WorkflowInstance) domain.WorkflowInstance {
	next := w.Clone()
	ts := "2024-03-02T00:00:00Z"
	for i := range next.Steps {
		next.Steps[i].Status = domain.StatusCompleted
		next.Steps[i].CompletedAt = &ts
		next.Steps[i].Attachments = []string{"doc.pdf"}
	}
	next.Version = w.Version + 1
	next.UpdatedAt = ts
	return next
}

func runStoreContract(t *testing.T, s workflowStore) {
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "c1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	w := sampleWorkflow("c1", "2024-03-01T00:00:00Z")
	require.NoError(t, s.CreateWorkflow(ctx, w, []domain.Event{evt(events.WorkflowCreated, w, 0), evt(events.StepStarted, w, 1)}))
	require.ErrorIs(t, s.CreateWorkflow(ctx, w, nil), repo.ErrExists)

	got, err := s.GetWorkflow(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, w, got)

	done := completeAll(w)
	require.NoError(t, s.UpdateWorkflow(ctx, done, 1, []domain.Event{evt(events.WorkflowCompleted, done, 0)}))
	require.ErrorIs(t, s.UpdateWorkflow(ctx, done, 1, nil), repo.ErrConflict, "stale version must not overwrite")
	require.ErrorIs(t, s.UpdateWorkflow(ctx, sampleWorkflow("ghost", w.CreatedAt), 1, nil), repo.ErrNotFound)

	got, err = s.GetWorkflow(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, done, got)

	other := sampleWorkflow("c2", "2024-03-05T00:00:00Z")
	require.NoError(t, s.CreateWorkflow(ctx, other, []domain.Event{evt(events.WorkflowCreated, other, 0)}))

	all, err := s.ListWorkflows(ctx, repo.WorkflowFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[0].OwnerID, "newest first")

	active, err := s.ListWorkflows(ctx, repo.WorkflowFilter{State: repo.StateActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c2", active[0].OwnerID)

	completed, err := s.ListWorkflows(ctx, repo.WorkflowFilter{State: repo.StateCompleted, Limit: 5})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "c1", completed[0].OwnerID)

	limited, err := s.ListWorkflows(ctx, repo.WorkflowFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	c1Events, err := s.ListEvents(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, c1Events, 3)
	assert.Equal(t, events.WorkflowCompleted, c1Events[0].Type)
	assert.Equal(t, events.WorkflowCreated, c1Events[2].Type)
	assert.Equal(t, 1, c1Events[1].Sequence)
	assert.Equal(t, "step.started", c1Events[1].Payload["note"])

	latest, err := s.LatestEventID(ctx)
	require.NoError(t, err)
	after, err := s.EventsAfter(ctx, latest-2, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Less(t, after[0].ID, after[1].ID)
	assert.Equal(t, latest, after[1].ID)
	assert.Equal(t, "c2", after[1].OwnerID)
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, newSQLiteRepo(t))
}

func TestSQLiteRejectsUnknownState(t *testing.T) {
	r := newSQLiteRepo(t)
	_, err := r.ListWorkflows(context.Background(), repo.WorkflowFilter{State: "archived"})
	assert.Error(t, err)
}

func TestSQLiteEmptyEventLog(t *testing.T) {
	r := newSQLiteRepo(t)
	id, err := r.LatestEventID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))
	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
