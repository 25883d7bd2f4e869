// Package integrity watches an active exam for academic-integrity signals.
//
// Independent detectors emit Events into a single Monitor, which debounces
// them, keeps the counter triple, warns the taker and escalates to an
// automatic submit once the violation threshold is reached. Counter updates
// reach the backend through one ordered Reporter.
package integrity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Kind identifies what a detector observed.
type Kind string

const (
	KindTabSwitch       Kind = "tab_switch"
	KindFullscreenExit  Kind = "fullscreen_exit"
	KindVoice           Kind = "voice"
	KindNoFace          Kind = "no_face"
	KindMultipleFaces   Kind = "multiple_faces"
	KindBlockedShortcut Kind = "blocked_shortcut"
	KindMultiTouch      Kind = "multi_touch"
)

// IsViolation reports whether events of this kind count toward auto-submit.
func (k Kind) IsViolation() bool {
	return k == KindTabSwitch || k == KindFullscreenExit
}

// SnapshotKind maps a face anomaly to the snapshot it should trigger.
func (k Kind) SnapshotKind() (model.SnapshotKind, bool) {
	switch k {
	case KindNoFace:
		return model.SnapshotNoFace, true
	case KindMultipleFaces:
		return model.SnapshotMultipleFaces, true
	}
	return "", false
}

// Event is a single observation raised by a detector.
type Event struct {
	Kind   Kind
	Source string
	At     time.Time
	Faces  int
	Detail string
}

// Emitter receives detector events.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Detector is one independent integrity signal source.
type Detector interface {
	Name() string
	Start(ctx context.Context, out Emitter)
	Stop()
}

// Notifier presents monitor decisions to the taker.
type Notifier interface {
	// Warn reports the current violation total and how many remain before
	// the exam is submitted automatically.
	Warn(violations, remaining int)
	Banner(kind Kind, message string)
	// FullscreenPrompt offers "return to fullscreen" or "exit and submit".
	FullscreenPrompt()
	// Refocus asks the device to regain focus and re-enter fullscreen.
	Refocus()
}

// SnapshotTrigger requests an evidence capture without waiting for it.
type SnapshotTrigger interface {
	Trigger(kind model.SnapshotKind)
}

// MonitoringAPI is the backend monitoring service.
type MonitoringAPI interface {
	UpdateMonitoring(ctx context.Context, patch model.MonitoringPatch) error
	GetMonitoring(ctx context.Context, enrollmentID uuid.UUID) (model.IntegrityCounters, error)
}
