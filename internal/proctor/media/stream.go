// Package media holds the camera and microphone stream a taking session owns.
// Detectors and the snapshot pipeline read it; only the session writes it.
package media

import (
	"errors"
	"sync"
	"time"
)

// FacesUnknown marks a frame the client did not classify.
const FacesUnknown = -1

// ErrClosed is returned when pushing into a released stream.
var ErrClosed = errors.New("media stream closed")

// Frame is one decoded camera frame as delivered by the device.
type Frame struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	Faces       int
	CapturedAt  time.Time
}

// AudioChunk is a block of little-endian signed 16-bit PCM samples.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
	CapturedAt time.Time
}

// FrameSource is the read-only view of a stream.
type FrameSource interface {
	// Latest returns the most recent frame, false when none has arrived yet.
	Latest() (Frame, bool)
	Active() bool
}

// Stream is the single per-session media stream.
type Stream struct {
	mu     sync.RWMutex
	frame  *Frame
	active bool
	closed bool
	audio  []func(AudioChunk)
}

// NewStream returns an inactive stream.
func NewStream() *Stream {
	return &Stream{}
}

// Activate marks the device as acquired.
func (s *Stream) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.active = true
	return nil
}

// PushFrame replaces the latest frame.
func (s *Stream) PushFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	s.frame = &f
	s.active = true
	return nil
}

// PushAudio hands a chunk to every audio subscriber.
func (s *Stream) PushAudio(c AudioChunk) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]func(AudioChunk), len(s.audio))
	copy(subs, s.audio)
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(c)
	}
	return nil
}

// OnAudio registers an audio subscriber. Subscribers run on the pushing
// goroutine and must not block.
func (s *Stream) OnAudio(fn func(AudioChunk)) {
	s.mu.Lock()
	s.audio = append(s.audio, fn)
	s.mu.Unlock()
}

// Latest implements FrameSource.
func (s *Stream) Latest() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil || s.closed {
		return Frame{}, false
	}
	return *s.frame, true
}

// Active implements FrameSource.
func (s *Stream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && !s.closed
}

// Close drops the buffered frame and all subscribers. Later pushes fail.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.active = false
	s.frame = nil
	s.audio = nil
	s.mu.Unlock()
}

// Closed reports whether Close has run.
func (s *Stream) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
