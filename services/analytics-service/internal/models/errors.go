package models

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyEventType     = errors.New("event type is required")
	ErrInvalidRule        = errors.New("invalid alert rule")
	ErrInvalidTransition  = errors.New("invalid alert state transition")
	ErrAlertNotFound      = errors.New("alert not found")
	ErrRuleNotFound       = errors.New("alert rule not found")
	ErrUnknownAggregation = errors.New("unknown aggregation type")
)

// TransitionError недопустимый переход состояния алерта
type TransitionError struct {
	AlertID string
	From    AlertStatus
	To      AlertStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("alert %s: cannot move from %s to %s", e.AlertID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
