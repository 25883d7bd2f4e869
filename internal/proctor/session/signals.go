package session

import (
	"github.com/stemsi/exstem-proctor/internal/proctor/media"
)

// Device signal handlers. They are safe to call in any phase; detectors only
// react while the active phase has them started.

// Visibility records a page visibility change.
func (s *Session) Visibility(hidden bool) {
	s.visibility.Visibility(hidden, s.clock.Now())
}

// ReportVisibility updates the polled visibility without raising an event.
// The secondary detector picks the change up on its next poll; Visibility
// does not feed it.
func (s *Session) ReportVisibility(hidden bool) {
	s.mu.Lock()
	s.polledHidden = hidden
	s.mu.Unlock()
}

// Blur records the window losing focus.
func (s *Session) Blur() {
	s.visibility.Blur(s.clock.Now())
}

// Focus records the window regaining focus.
func (s *Session) Focus() {
	s.mu.Lock()
	s.polledHidden = false
	s.mu.Unlock()
}

// FullscreenChanged records a fullscreen-change notification.
func (s *Session) FullscreenChanged(fullscreen bool) {
	s.fullscreen.Changed(fullscreen, s.clock.Now())
}

// Key reports whether the device must suppress the key combo.
func (s *Session) Key(combo string) bool {
	return s.guard.Key(combo, s.clock.Now())
}

// Touch reports whether the device must reject a gesture with this many
// touch points.
func (s *Session) Touch(points int) bool {
	return s.guard.Touch(points, s.clock.Now())
}

// PushFrame stores the latest camera frame.
func (s *Session) PushFrame(f media.Frame) error {
	if f.CapturedAt.IsZero() {
		f.CapturedAt = s.clock.Now()
	}
	return s.stream.PushFrame(f)
}

// PushAudio forwards a microphone chunk to the voice detector.
func (s *Session) PushAudio(c media.AudioChunk) error {
	if c.CapturedAt.IsZero() {
		c.CapturedAt = s.clock.Now()
	}
	return s.stream.PushAudio(c)
}

// ReturnToFullscreen answers the fullscreen prompt.
func (s *Session) ReturnToFullscreen() error {
	if s.Phase() != PhaseActive {
		return ErrInvalidPhase
	}
	if s.deps.Platform == nil {
		return nil
	}
	return s.deps.Platform.RequestFullscreen()
}
