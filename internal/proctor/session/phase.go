package session

import (
	"errors"
	"fmt"
)

// Phase is a stage of the taking session.
type Phase string

const (
	PhaseSetup        Phase = "setup"
	PhaseInstructions Phase = "instructions"
	PhaseActive       Phase = "active"
	PhaseSubmitted    Phase = "submitted"
	PhaseResults      Phase = "results"
)

// transitions lists the phases reachable from each phase. Load places a
// session directly into any phase and is not checked against this table.
var transitions = map[Phase][]Phase{
	PhaseSetup:        {PhaseInstructions},
	PhaseInstructions: {PhaseSetup, PhaseActive},
	PhaseActive:       {PhaseSubmitted, PhaseResults},
	PhaseSubmitted:    {PhaseResults},
	PhaseResults:      nil,
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// SubmitReason records what ended the exam.
type SubmitReason string

const (
	ReasonManual    SubmitReason = "manual"
	ReasonTimeUp    SubmitReason = "time_up"
	ReasonIntegrity SubmitReason = "integrity"
)

var (
	ErrNotLoaded         = errors.New("session not loaded")
	ErrInvalidPhase      = errors.New("operation not allowed in current phase")
	ErrChecksFailed      = errors.New("system check failed")
	ErrNotAccepted       = errors.New("instructions not accepted")
	ErrOutOfRange        = errors.New("question index out of range")
	ErrNavigationBlocked = errors.New("backward navigation is not allowed")
	ErrUnknownQuestion   = errors.New("question not in exam")
	ErrSubmitInProgress  = errors.New("submit already in progress")
	ErrAlreadySubmitted  = errors.New("exam already submitted")
	ErrStartInProgress   = errors.New("start already in progress")
	ErrNoFrame           = errors.New("no camera frame available")
	ErrSessionClosed     = errors.New("session closed")
)

// ErrorKind classifies the failures a taker sees as blocking dialogs.
type ErrorKind string

const (
	ErrorLoad   ErrorKind = "load"
	ErrorStart  ErrorKind = "start"
	ErrorSubmit ErrorKind = "submit"
)

var genericMessages = map[ErrorKind]string{
	ErrorLoad:   "Gagal memuat ujian. Silakan coba lagi atau kembali.",
	ErrorStart:  "Gagal memulai ujian. Silakan coba lagi.",
	ErrorSubmit: "Gagal mengumpulkan ujian. Silakan coba lagi.",
}

// Error is a retryable, user-visible failure. The session state is left as
// it was before the failed call.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the text shown to the taker: the underlying failure when there
// is one, otherwise a generic message for the kind.
func (e *Error) Message() string {
	if e.Err != nil && e.Err.Error() != "" {
		return e.Err.Error()
	}
	return genericMessages[e.Kind]
}
