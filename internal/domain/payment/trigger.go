package payment

import (
	"fmt"

	"github.com/cassiomorais/paymentflow/internal/domain/errors"
)

// Trigger is the closed set of inputs that move a payment between states.
type Trigger int

const (
	TriggerBeginProcessing Trigger = iota + 1
	TriggerConfirmSuccess
	TriggerConfirmFailure
	TriggerRefund
)

func (t Trigger) String() string {
	switch t {
	case TriggerBeginProcessing:
		return "begin_processing"
	case TriggerConfirmSuccess:
		return "confirm_success"
	case TriggerConfirmFailure:
		return "confirm_failure"
	case TriggerRefund:
		return "refund"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// edge returns the only state a trigger may leave from and the state it
// leads to.
func (t Trigger) edge() (from, to Status, ok bool) {
	switch t {
	case TriggerBeginProcessing:
		return StatusCreated, StatusProcessing, true
	case TriggerConfirmSuccess:
		return StatusProcessing, StatusCompleted, true
	case TriggerConfirmFailure:
		return StatusProcessing, StatusFailed, true
	case TriggerRefund:
		return StatusCompleted, StatusRefunded, true
	}
	return "", "", false
}

// Target resolves the state the trigger leads to from current. A payment
// already in the target state resolves to itself.
func (t Trigger) Target(current Status) (Status, error) {
	from, to, ok := t.edge()
	if !ok {
		return "", errors.NewDomainError("unknown_trigger", t.String(), errors.ErrInvalidTransition)
	}
	if current == to {
		return to, nil
	}
	if current != from {
		return "", errors.NewDomainError(
			"invalid_transition",
			fmt.Sprintf("cannot %s payment in status %s", t, current),
			errors.ErrInvalidTransition,
		)
	}
	return to, nil
}

// CanTransition reports whether a direct edge exists from one status to another.
func CanTransition(from, to Status) bool {
	for _, t := range Triggers() {
		f, dst, _ := t.edge()
		if f == from && dst == to {
			return true
		}
	}
	return false
}

// Triggers lists every trigger.
func Triggers() []Trigger {
	return []Trigger{TriggerBeginProcessing, TriggerConfirmSuccess, TriggerConfirmFailure, TriggerRefund}
}
