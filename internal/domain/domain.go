package domain

import "fmt"

type StepStatus string

const (
	StatusNotStarted StepStatus = "NOT_STARTED"
	StatusInProgress StepStatus = "IN_PROGRESS"
	StatusCompleted  StepStatus = "COMPLETED"
)

// Valid reports whether s is one of the closed set of step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// RequirementMode selects how a step's attachments gate its completion.
type RequirementMode string

const (
	RequireNone  RequirementMode = "none"
	RequireExact RequirementMode = "exact"
	RequireMin   RequirementMode = "min"
)

type Requirement struct {
	Mode  RequirementMode `json:"mode" yaml:"mode" enum:"none,exact,min"`
	Count int             `json:"count,omitempty" yaml:"count,omitempty"`
}

// SatisfiedBy reports whether n recorded attachments meet the requirement.
func (r Requirement) SatisfiedBy(n int) bool {
	switch r.Mode {
	case RequireExact:
		return n == r.Count
	case RequireMin:
		return n >= r.Count
	default:
		return true
	}
}

func (r Requirement) String() string {
	switch r.Mode {
	case RequireExact:
		return fmt.Sprintf("exactly %d", r.Count)
	case RequireMin:
		return fmt.Sprintf("at least %d", r.Count)
	default:
		return "none"
	}
}

// StepTemplate describes one position of a workflow template.
type StepTemplate struct {
	Title     string      `json:"title" yaml:"title"`
	Artifacts Requirement `json:"artifacts" yaml:"artifacts"`
}

type Template struct {
	Name  string         `json:"name" yaml:"name"`
	Steps []StepTemplate `json:"steps" yaml:"steps"`
}

type StepRecord struct {
	Sequence    int        `json:"sequence" bson:"sequence"`
	Title       string     `json:"title" bson:"title"`
	Status      StepStatus `json:"status" bson:"status" enum:"NOT_STARTED,IN_PROGRESS,COMPLETED"`
	Attachments []string   `json:"attachments" bson:"attachments"`
	CompletedAt *string    `json:"completedAt,omitempty" bson:"completedAt,omitempty" format:"date-time"`
}

type WorkflowInstance struct {
	ID        string       `json:"id" bson:"id"`
	OwnerID   string       `json:"ownerId" bson:"_id"`
	Template  string       `json:"template,omitempty" bson:"template,omitempty"`
	Steps     []StepRecord `json:"steps" bson:"steps"`
	CreatedAt string       `json:"createdAt" bson:"createdAt" format:"date-time"`
	UpdatedAt string       `json:"updatedAt" bson:"updatedAt" format:"date-time"`
	Version   int64        `json:"version" bson:"version"`
}

// Frontier returns the step currently in progress, or nil when none is.
func (w WorkflowInstance) Frontier() *StepRecord {
	for i := range w.Steps {
		if w.Steps[i].Status == StatusInProgress {
			return &w.Steps[i]
		}
	}
	return nil
}

// Completed reports whether every step is completed.
func (w WorkflowInstance) Completed() bool {
	if len(w.Steps) == 0 {
		return false
	}
	for _, s := range w.Steps {
		if s.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so transitions never touch the caller's value.
func (w WorkflowInstance) Clone() WorkflowInstance {
	out := w
	out.Steps = make([]StepRecord, len(w.Steps))
	for i, s := range w.Steps {
		s.Attachments = append([]string{}, s.Attachments...)
		if s.CompletedAt != nil {
			ts := *s.CompletedAt
			s.CompletedAt = &ts
		}
		out.Steps[i] = s
	}
	return out
}

type Event struct {
	ID         int64          `json:"id" bson:"_id"`
	TS         string         `json:"ts" bson:"ts" format:"date-time"`
	Type       string         `json:"type" bson:"type"`
	OwnerID    string         `json:"ownerId" bson:"ownerId"`
	WorkflowID string         `json:"workflowId" bson:"workflowId"`
	Sequence   int            `json:"sequence,omitempty" bson:"sequence,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
}
