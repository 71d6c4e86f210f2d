package engine

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"visatrack/internal/domain"
	"visatrack/internal/events"
	"visatrack/internal/repo"
)

// Store is the persistence collaborator. Implementations must make
// CreateWorkflow and UpdateWorkflow all-or-nothing and must reject an
// update whose expected version is stale with repo.ErrConflict.
type Store interface {
	GetWorkflow(ctx context.Context, ownerID string) (domain.WorkflowInstance, error)
	CreateWorkflow(ctx context.Context, w domain.WorkflowInstance, evts []domain.Event) error
	UpdateWorkflow(ctx context.Context, w domain.WorkflowInstance, expectedVersion int64, evts []domain.Event) error
	ListWorkflows(ctx context.Context, f repo.WorkflowFilter) ([]domain.WorkflowInstance, error)
	ListEvents(ctx context.Context, ownerID string, limit int) ([]domain.Event, error)
}

// Locker serializes operations on one owner. The returned func releases
// the lock.
type Locker interface {
	Lock(ctx context.Context, ownerID string) (func(), error)
}

type Engine struct {
	Store    Store
	Template domain.Template
	Logger   *log.Logger
	Now      func() time.Time
	NewID    func() string
	// Locker overrides the in-process owner locks, e.g. with a lock shared
	// between processes.
	Locker Locker
	locks  *ownerLocks
}

func New(store Store, tmpl domain.Template) Engine {
	return Engine{
		Store:    store,
		Template: tmpl,
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
		locks:    newOwnerLocks(),
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (e Engine) lockOwner(ctx context.Context, ownerID string) (func(), error) {
	if e.Locker != nil {
		unlock, err := e.Locker.Lock(ctx, ownerID)
		if err != nil {
			return nil, StorageUnavailableError{Op: "lock owner", Err: err}
		}
		return unlock, nil
	}
	if e.locks == nil {
		return func() {}, nil
	}
	return e.locks.lock(ownerID), nil
}

// GetOrCreateWorkflow returns the owner's workflow, seeding it from the
// template on first use.
func (e Engine) GetOrCreateWorkflow(ctx context.Context, ownerID string) (domain.WorkflowInstance, error) {
	if err := validateOwner(ownerID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	unlock, err := e.lockOwner(ctx, ownerID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer unlock()
	return e.getOrCreate(ctx, ownerID)
}

// GetWorkflow returns the owner's workflow without creating it.
func (e Engine) GetWorkflow(ctx context.Context, ownerID string) (domain.WorkflowInstance, error) {
	if err := validateOwner(ownerID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	w, err := e.Store.GetWorkflow(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return w, NotFoundError{OwnerID: ownerID}
		}
		return w, StorageUnavailableError{Op: "get workflow", Err: err}
	}
	return w, nil
}

func (e Engine) ListWorkflows(ctx context.Context, f repo.WorkflowFilter) ([]domain.WorkflowInstance, error) {
	switch f.State {
	case "", repo.StateActive, repo.StateCompleted:
	default:
		return nil, InvalidArgumentError{Field: "state", Reason: "must be active or completed"}
	}
	if f.Limit < 0 {
		return nil, InvalidArgumentError{Field: "limit", Reason: "must not be negative"}
	}
	items, err := e.Store.ListWorkflows(ctx, f)
	if err != nil {
		return nil, StorageUnavailableError{Op: "list workflows", Err: err}
	}
	return items, nil
}

// Events returns the owner's audit trail, newest first.
func (e Engine) Events(ctx context.Context, ownerID string, limit int) ([]domain.Event, error) {
	if err := validateOwner(ownerID); err != nil {
		return nil, err
	}
	items, err := e.Store.ListEvents(ctx, ownerID, limit)
	if err != nil {
		return nil, StorageUnavailableError{Op: "list events", Err: err}
	}
	return items, nil
}

// AttachArtifacts records artifacts on the frontier step and completes it
// once its requirement is met.
func (e Engine) AttachArtifacts(ctx context.Context, ownerID string, sequence int, artifacts []string) (domain.WorkflowInstance, error) {
	if err := validateOwner(ownerID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	refs, err := cleanArtifacts(artifacts)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	unlock, err := e.lockOwner(ctx, ownerID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer unlock()

	current, err := e.getOrCreate(ctx, ownerID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	next, evts, err := e.attach(current, sequence, refs)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	return e.commit(ctx, current.Version, next, evts)
}

// AdvanceStep completes the frontier step when its requirement is already
// satisfied, typically a step without artifact requirements.
func (e Engine) AdvanceStep(ctx context.Context, ownerID string, sequence int) (domain.WorkflowInstance, error) {
	if err := validateOwner(ownerID); err != nil {
		return domain.WorkflowInstance{}, err
	}
	unlock, err := e.lockOwner(ctx, ownerID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer unlock()

	current, err := e.GetWorkflow(ctx, ownerID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	next, evts, err := e.advance(current, sequence)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	return e.commit(ctx, current.Version, next, evts)
}

func (e Engine) getOrCreate(ctx context.Context, ownerID string) (domain.WorkflowInstance, error) {
	w, err := e.Store.GetWorkflow(ctx, ownerID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return w, StorageUnavailableError{Op: "get workflow", Err: err}
	}
	w, evts := e.seed(ownerID)
	if err := e.Store.CreateWorkflow(ctx, w, evts); err != nil {
		switch {
		case errors.Is(err, repo.ErrExists):
			// another process created it first
			return e.GetWorkflow(ctx, ownerID)
		case errors.Is(err, repo.ErrEventsLost):
			e.logf("events not recorded owner=%s: %v", ownerID, err)
		default:
			return domain.WorkflowInstance{}, StorageUnavailableError{Op: "create workflow", Err: err}
		}
	}
	e.logf("workflow created owner=%s id=%s steps=%d", ownerID, w.ID, len(w.Steps))
	return w, nil
}

func (e Engine) seed(ownerID string) (domain.WorkflowInstance, []domain.Event) {
	now := e.now()
	id := uuid.NewString()
	if e.NewID != nil {
		id = e.NewID()
	}
	w := domain.WorkflowInstance{
		ID:        id,
		OwnerID:   ownerID,
		Template:  e.Template.Name,
		Steps:     make([]domain.StepRecord, len(e.Template.Steps)),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	for i, st := range e.Template.Steps {
		w.Steps[i] = domain.StepRecord{
			Sequence:    i + 1,
			Title:       st.Title,
			Status:      domain.StatusNotStarted,
			Attachments: []string{},
		}
	}
	evts := []domain.Event{e.event(w, events.WorkflowCreated, 0, map[string]any{"template": w.Template, "steps": len(w.Steps)})}
	if len(w.Steps) > 0 {
		w.Steps[0].Status = domain.StatusInProgress
		evts = append(evts, e.event(w, events.StepStarted, 1, nil))
	}
	return w, evts
}

func (e Engine) attach(current domain.WorkflowInstance, sequence int, refs []string) (domain.WorkflowInstance, []domain.Event, error) {
	next := current.Clone()
	idx, err := frontierIndex(next, sequence)
	if err != nil {
		return current, nil, err
	}
	req := e.requirement(sequence)
	step := &next.Steps[idx]
	if req.Mode == domain.RequireExact {
		if len(refs) != req.Count {
			return current, nil, ArtifactCountMismatchError{Sequence: sequence, Requirement: req, Got: len(refs)}
		}
		step.Attachments = refs
	} else {
		step.Attachments = append(step.Attachments, refs...)
	}
	evts := []domain.Event{e.event(next, events.ArtifactsAttached, sequence, map[string]any{
		"artifacts": refs,
		"total":     len(step.Attachments),
	})}
	if req.SatisfiedBy(len(step.Attachments)) {
		evts = e.complete(&next, idx, evts)
	}
	return next, evts, nil
}

func (e Engine) advance(current domain.WorkflowInstance, sequence int) (domain.WorkflowInstance, []domain.Event, error) {
	next := current.Clone()
	idx, err := frontierIndex(next, sequence)
	if err != nil {
		return current, nil, err
	}
	req := e.requirement(sequence)
	if n := len(next.Steps[idx].Attachments); !req.SatisfiedBy(n) {
		return current, nil, ArtifactCountMismatchError{Sequence: sequence, Requirement: req, Got: n}
	}
	return next, e.complete(&next, idx, nil), nil
}

// complete marks step idx completed and opens the following step.
func (e Engine) complete(w *domain.WorkflowInstance, idx int, evts []domain.Event) []domain.Event {
	now := e.now()
	w.Steps[idx].Status = domain.StatusCompleted
	w.Steps[idx].CompletedAt = &now
	evts = append(evts, e.event(*w, events.StepCompleted, idx+1, nil))
	if idx+1 < len(w.Steps) {
		w.Steps[idx+1].Status = domain.StatusInProgress
		return append(evts, e.event(*w, events.StepStarted, idx+2, nil))
	}
	return append(evts, e.event(*w, events.WorkflowCompleted, 0, nil))
}

func (e Engine) commit(ctx context.Context, expectedVersion int64, next domain.WorkflowInstance, evts []domain.Event) (domain.WorkflowInstance, error) {
	next.Version = expectedVersion + 1
	next.UpdatedAt = e.now()
	if err := e.Store.UpdateWorkflow(ctx, next, expectedVersion, evts); err != nil {
		switch {
		case errors.Is(err, repo.ErrEventsLost):
			e.logf("events not recorded owner=%s version=%d: %v", next.OwnerID, next.Version, err)
		case errors.Is(err, repo.ErrConflict):
			return domain.WorkflowInstance{}, ConflictError{OwnerID: next.OwnerID}
		case errors.Is(err, repo.ErrNotFound):
			return domain.WorkflowInstance{}, NotFoundError{OwnerID: next.OwnerID}
		default:
			return domain.WorkflowInstance{}, StorageUnavailableError{Op: "update workflow", Err: err}
		}
	}
	for _, evt := range evts {
		if evt.Type == events.StepCompleted || evt.Type == events.WorkflowCompleted {
			e.logf("%s owner=%s step=%d version=%d", evt.Type, next.OwnerID, evt.Sequence, next.Version)
		}
	}
	return next, nil
}

func (e Engine) requirement(sequence int) domain.Requirement {
	if sequence < 1 || sequence > len(e.Template.Steps) {
		return domain.Requirement{Mode: domain.RequireNone}
	}
	return e.Template.Steps[sequence-1].Artifacts
}

func (e Engine) event(w domain.WorkflowInstance, typ string, sequence int, payload map[string]any) domain.Event {
	return domain.Event{
		TS:         e.now(),
		Type:       typ,
		OwnerID:    w.OwnerID,
		WorkflowID: w.ID,
		Sequence:   sequence,
		Payload:    payload,
	}
}

// frontierIndex resolves sequence to a slice index and checks it is the
// step currently in progress.
func frontierIndex(w domain.WorkflowInstance, sequence int) (int, error) {
	if sequence < 1 || sequence > len(w.Steps) {
		return 0, InvalidStepError{Sequence: sequence, Steps: len(w.Steps)}
	}
	idx := sequence - 1
	if st := w.Steps[idx].Status; st != domain.StatusInProgress {
		return 0, StepNotReadyError{Sequence: sequence, Status: st}
	}
	return idx, nil
}

func cleanArtifacts(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, InvalidArtifactsError{Reason: "at least one artifact reference is required"}
	}
	out := make([]string, 0, len(in))
	for i, ref := range in {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, InvalidArtifactsError{Reason: "artifact reference " + strconv.Itoa(i) + " is blank"}
		}
		out = append(out, ref)
	}
	return out, nil
}

func validateOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return InvalidArgumentError{Field: "ownerId", Reason: "is required"}
	}
	return nil
}
