package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the types package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error
// handling across package boundaries.
var (
	// ErrEmptyPlan is returned when an AgentPlan has no steps.
	ErrEmptyPlan = errors.New("plan must have at least 1 step")

	// ErrPlanTooLong is returned when an AgentPlan exceeds the 20-step bound.
	ErrPlanTooLong = errors.New("plan must have at most 20 steps")
)

// StepMissingToolError reports which step index in a plan failed schema
// validation by omitting a tool name.
type StepMissingToolError struct {
	StepIndex int
}

func (e *StepMissingToolError) Error() string {
	return fmt.Sprintf("step %d: tool must not be empty", e.StepIndex)
}

func newStepMissingToolError(stepIndex int) error {
	return &StepMissingToolError{StepIndex: stepIndex}
}
