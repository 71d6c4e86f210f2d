package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequirementSatisfiedBy(t *testing.T) {
	exact := Requirement{Mode: RequireExact, Count: 2}
	assert.False(t, exact.SatisfiedBy(1))
	assert.True(t, exact.SatisfiedBy(2))
	assert.False(t, exact.SatisfiedBy(3))

	minimum := Requirement{Mode: RequireMin, Count: 1}
	assert.False(t, minimum.SatisfiedBy(0))
	assert.True(t, minimum.SatisfiedBy(4))

	assert.True(t, Requirement{Mode: RequireNone}.SatisfiedBy(0))
	assert.Equal(t, "exactly 2", exact.String())
	assert.Equal(t, "at least 1", minimum.String())
}

func TestFrontierAndCompleted(t *testing.T) {
	w := WorkflowInstance{Steps: []StepRecord{
		{Sequence: 1, Status: StatusCompleted},
		{Sequence: 2, Status: StatusInProgress},
		{Sequence: 3, Status: StatusNotStarted},
	}}
	assert.Equal(t, 2, w.Frontier().Sequence)
	assert.False(t, w.Completed())

	w.Steps[1].Status = StatusCompleted
	w.Steps[2].Status = StatusCompleted
	assert.Nil(t, w.Frontier())
	assert.True(t, w.Completed())
	assert.False(t, WorkflowInstance{}.Completed())
}

func TestCloneIsDeep(t *testing.T) {
	ts := "2024-03-01T00:00:00Z"
	w := WorkflowInstance{Steps: []StepRecord{
		{Sequence: 1, Status: StatusCompleted, Attachments: []string{"a.pdf"}, CompletedAt: &ts},
	}}
	c := w.Clone()
	c.Steps[0].Attachments[0] = "b.pdf"
	*c.Steps[0].CompletedAt = "later"
	c.Steps[0].Status = StatusInProgress

	assert.Equal(t, "a.pdf", w.Steps[0].Attachments[0])
	assert.Equal(t, "2024-03-01T00:00:00Z", *w.Steps[0].CompletedAt)
	assert.Equal(t, StatusCompleted, w.Steps[0].Status)
}

func TestStepStatusValid(t *testing.T) {
	assert.True(t, StatusInProgress.Valid())
	assert.False(t, StepStatus("REJECTED").Valid())
}
