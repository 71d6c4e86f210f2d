package engine

import (
	"fmt"

	"visatrack/internal/domain"
)

// Kinder is implemented by every engine error; Kind is the machine-readable
// code surfaced in API error bodies.
type Kinder interface {
	error
	Kind() string
}

type NotFoundError struct {
	OwnerID string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("workflow for owner %s not found", e.OwnerID) }
func (NotFoundError) Kind() string     { return "not_found" }

type InvalidStepError struct {
	Sequence int
	Steps    int
}

func (e InvalidStepError) Error() string {
	return fmt.Sprintf("invalid step %d: workflow has steps 1..%d", e.Sequence, e.Steps)
}
func (InvalidStepError) Kind() string { return "invalid_step" }

type InvalidArtifactsError struct {
	Reason string
}

func (e InvalidArtifactsError) Error() string { return "invalid artifacts: " + e.Reason }
func (InvalidArtifactsError) Kind() string    { return "invalid_artifacts" }

type ArtifactCountMismatchError struct {
	Sequence    int
	Requirement domain.Requirement
	Got         int
}

func (e ArtifactCountMismatchError) Error() string {
	return fmt.Sprintf("step %d requires %s artifacts, got %d", e.Sequence, e.Requirement, e.Got)
}
func (ArtifactCountMismatchError) Kind() string { return "artifact_count_mismatch" }

type StepNotReadyError struct {
	Sequence int
	Status   domain.StepStatus
}

func (e StepNotReadyError) Error() string {
	return fmt.Sprintf("step %d is %s, not %s", e.Sequence, e.Status, domain.StatusInProgress)
}
func (StepNotReadyError) Kind() string { return "step_not_ready" }

// ConflictError reports that another writer changed the workflow between
// read and write. Nothing was committed.
type ConflictError struct {
	OwnerID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("workflow for owner %s was modified concurrently", e.OwnerID)
}
func (ConflictError) Kind() string { return "conflict" }

// StorageUnavailableError wraps store failures. Nothing was committed and
// the call is safe to retry.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}
func (e StorageUnavailableError) Unwrap() error { return e.Err }
func (StorageUnavailableError) Kind() string    { return "storage_unavailable" }

type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e InvalidArgumentError) Error() string { return e.Field + " " + e.Reason }
func (InvalidArgumentError) Kind() string    { return "bad_request" }
