package models

import (
	"errors"
	"fmt"
	"time"
)

// ActionType enumerates the remediation actions the coordinator can dispatch.
type ActionType string

const (
	ActionRestart       ActionType = "restart"
	ActionRedeploy      ActionType = "redeploy"
	ActionScaleMemory   ActionType = "scale_memory"
	ActionScaleReplicas ActionType = "scale_replicas"
	ActionRollback      ActionType = "rollback"
	ActionStop          ActionType = "stop"
	ActionNone          ActionType = "none"
	ActionManualFix     ActionType = "manual_fix"
)

// ActionTypes lists every known action type.
var ActionTypes = []ActionType{
	ActionRestart,
	ActionRedeploy,
	ActionScaleMemory,
	ActionScaleReplicas,
	ActionRollback,
	ActionStop,
	ActionNone,
	ActionManualFix,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// InitiatorType records who requested a remediation.
type InitiatorType string

const (
	InitiatorAutomated InitiatorType = "automated"
	InitiatorUser      InitiatorType = "user"
)

// ActionStatus is the remediation action state machine.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
)

// ErrInvalidTransition is returned when an action status change is not permitted.
var ErrInvalidTransition = errors.New("invalid remediation action transition")

// Terminal reports whether no further transitions are allowed.
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed
}

// CanTransition reports whether s -> next is a valid step.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case ActionPending:
		return next == ActionInProgress
	case ActionInProgress:
		return next == ActionSucceeded || next == ActionFailed
	default:
		return false
	}
}

// CheckTransition wraps ErrInvalidTransition with the offending states.
func (s ActionStatus) CheckTransition(next ActionStatus) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// RemediationAction is one tracked remediation attempt.
type RemediationAction struct {
	ID            string        `json:"id"`
	IncidentID    string        `json:"incident_id"`
	InitiatorType InitiatorType `json:"initiator_type"`
	InitiatorRef  string        `json:"initiator_ref"`
	ActionType    ActionType    `json:"action_type"`
	Status        ActionStatus  `json:"status"`
	RequestedAt   time.Time     `json:"requested_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	ResultMessage string        `json:"result_message,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// ActionUpdate carries the mutable attributes of a remediation action.
type ActionUpdate struct {
	Status        ActionStatus
	CompletedAt   *time.Time
	ResultMessage string
	FailureReason string
}

// Apply validates and applies u to a copy of a.
func (a RemediationAction) Apply(u ActionUpdate) (RemediationAction, error) {
	if err := a.Status.CheckTransition(u.Status); err != nil {
		return a, err
	}
	a.Status = u.Status
	if u.CompletedAt != nil {
		a.CompletedAt = u.CompletedAt
	}
	if u.ResultMessage != "" {
		a.ResultMessage = u.ResultMessage
	}
	if u.FailureReason != "" {
		a.FailureReason = u.FailureReason
	}
	return a, nil
}

// ActionEvent is broadcast on every remediation action transition.
type ActionEvent struct {
	Action   RemediationAction `json:"action"`
	Incident Incident          `json:"incident"`
}
