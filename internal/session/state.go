// Package session holds the per-chat request state machine that takes a
// summarize request from payment through job submission to delivery.
package session

import (
	"context"
	"fmt"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingPayment
	StateVerifyingPayment
	StateSubmittingJob
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPayment:
		return "awaiting_payment"
	case StateVerifyingPayment:
		return "verifying_payment"
	case StateSubmittingJob:
		return "submitting_job"
	case StatePolling:
		return "polling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ValidTransitions defines allowed state transitions. Every state may also
// return to idle through reset.
var ValidTransitions = map[State][]State{
	StateIdle:             {StateAwaitingPayment},
	StateAwaitingPayment:  {StateAwaitingPayment, StateVerifyingPayment},
	StateVerifyingPayment: {StateAwaitingPayment, StateSubmittingJob},
	StateSubmittingJob:    {StatePolling},
	StatePolling:          {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	RequestText  = "text"
	RequestAudio = "audio"
)

// Session is the request state of one chat. CommandStartTime is non-zero
// exactly while a payment signature is expected or being verified.
type Session struct {
	State             State
	RequestID         string
	CommandStartTime  time.Time
	SpaceURL          string
	RequestType       string
	JobID             string
	Signature         string
	FailedAttempts    int
	SignatureAttempts int

	cancel context.CancelCauseFunc
}

// AwaitingSignature reports whether a payment signature is expected or
// being verified.
func (s Session) AwaitingSignature() bool {
	return s.State == StateAwaitingPayment || s.State == StateVerifyingPayment
}

// Deadline is the last moment a payment signature is accepted.
func (s Session) Deadline(window time.Duration) time.Time {
	if s.CommandStartTime.IsZero() {
		return time.Time{}
	}
	return s.CommandStartTime.Add(window)
}

// ValidationError is bad user input rejected before any network call.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return e.Msg
}
