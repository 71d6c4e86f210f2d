package server

import (
	"visatrack/internal/domain"
)

// Request payloads

type AttachArtifactRefsRequest struct {
	Artifacts []string `json:"artifacts" minItems:"1" doc:"References to already stored artifacts"`
}

// Response payloads

type StepResponse struct {
	Sequence    int                `json:"sequence"`
	Title       string             `json:"title"`
	Status      domain.StepStatus  `json:"status" enum:"NOT_STARTED,IN_PROGRESS,COMPLETED"`
	Attachments []string           `json:"attachments"`
	Requirement domain.Requirement `json:"requirement"`
	CompletedAt *string            `json:"completedAt,omitempty" format:"date-time"`
}

type WorkflowResponse struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	Template  string         `json:"template,omitempty"`
	Steps     []StepResponse `json:"steps"`
	Frontier  int            `json:"frontier" doc:"Sequence of the step in progress, 0 when the workflow is complete"`
	Completed bool           `json:"completed"`
	CreatedAt string         `json:"createdAt" format:"date-time"`
	UpdatedAt string         `json:"updatedAt" format:"date-time"`
	Version   int64          `json:"version"`
}

type WorkflowListResponse struct {
	Items []WorkflowResponse `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type TemplateStepResponse struct {
	Sequence    int                `json:"sequence"`
	Title       string             `json:"title"`
	Requirement domain.Requirement `json:"requirement"`
}

type TemplateResponse struct {
	Name  string                 `json:"name"`
	Steps []TemplateStepResponse `json:"steps"`
}

// Mapping helpers

func workflowResponse(w domain.WorkflowInstance, tmpl domain.Template) WorkflowResponse {
	res := WorkflowResponse{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Template:  w.Template,
		Steps:     make([]StepResponse, len(w.Steps)),
		Completed: w.Completed(),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
		Version:   w.Version,
	}
	if f := w.Frontier(); f != nil {
		res.Frontier = f.Sequence
	}
	for i, s := range w.Steps {
		attachments := s.Attachments
		if attachments == nil {
			attachments = []string{}
		}
		req := domain.Requirement{Mode: domain.RequireNone}
		if i < len(tmpl.Steps) {
			req = tmpl.Steps[i].Artifacts
		}
		res.Steps[i] = StepResponse{
			Sequence:    s.Sequence,
			Title:       s.Title,
			Status:      s.Status,
			Attachments: attachments,
			Requirement: req,
			CompletedAt: s.CompletedAt,
		}
	}
	return res
}

func mapWorkflows(items []domain.WorkflowInstance, tmpl domain.Template) []WorkflowResponse {
	out := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workflowResponse(w, tmpl))
	}
	return out
}

func templateResponse(tmpl domain.Template) TemplateResponse {
	res := TemplateResponse{Name: tmpl.Name, Steps: make([]TemplateStepResponse, len(tmpl.Steps))}
	for i, s := range tmpl.Steps {
		res.Steps[i] = TemplateStepResponse{Sequence: i + 1, Title: s.Title, Requirement: s.Artifacts}
	}
	return res
}
