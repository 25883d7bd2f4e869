package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/timing"
)

// Defaults for Config fields left at zero.
const (
	DefaultThreshold     = 3
	DefaultDebounce      = 800 * time.Millisecond
	DefaultFaceCooldown  = 10 * time.Second
	DefaultVoiceCooldown = 5 * time.Second
)

// Config tunes the escalation policy.
type Config struct {
	Threshold     int
	Debounce      time.Duration
	FaceCooldown  time.Duration
	VoiceCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.FaceCooldown <= 0 {
		c.FaceCooldown = DefaultFaceCooldown
	}
	if c.VoiceCooldown <= 0 {
		c.VoiceCooldown = DefaultVoiceCooldown
	}
	return c
}

// PatchSink accepts monitoring patches for delivery.
type PatchSink interface {
	Enqueue(p model.MonitoringPatch)
}

// Banner texts shown to the taker.
const (
	msgVoice         = "Suara terdeteksi di sekitar Anda. Harap tetap tenang selama ujian."
	msgNoFace        = "Wajah tidak terdeteksi. Pastikan wajah Anda terlihat di kamera."
	msgMultipleFaces = "Terdeteksi lebih dari satu wajah di kamera."
)

// Monitor is the single dispatcher every detector reports into. It owns the
// in-memory counter triple; increments happen under its lock before the
// matching patch is enqueued.
type Monitor struct {
	cfg      Config
	clock    timing.Clock
	log      zerolog.Logger
	notifier Notifier
	sink     PatchSink

	mu         sync.Mutex
	enrollment *model.EnrollmentContext
	counters   model.IntegrityCounters
	lastCount  map[Kind]time.Time
	escalated  bool
	onEscalate func(violations int)
	snapshots  SnapshotTrigger
	detectors  []Detector
	running    bool
}

// NewMonitor creates a monitor. sink may be nil, in which case counters are
// kept locally only.
func NewMonitor(cfg Config, clock timing.Clock, notifier Notifier, sink PatchSink, log zerolog.Logger) *Monitor {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		log:       log.With().Str("component", "integrity_monitor").Logger(),
		notifier:  notifier,
		sink:      sink,
		lastCount: make(map[Kind]time.Time),
	}
}

// Threshold returns the violation count that triggers auto-submit.
func (m *Monitor) Threshold() int { return m.cfg.Threshold }

// OnEscalate sets the callback invoked once the threshold is reached. It runs
// on the emitting goroutine and must not block on detector shutdown.
func (m *Monitor) OnEscalate(fn func(violations int)) {
	m.mu.Lock()
	m.onEscalate = fn
	m.mu.Unlock()
}

// SetSnapshotTrigger wires face anomalies to evidence captures.
func (m *Monitor) SetSnapshotTrigger(t SnapshotTrigger) {
	m.mu.Lock()
	m.snapshots = t
	m.mu.Unlock()
}

// SetEnrollment sets the enrollment the counters belong to.
func (m *Monitor) SetEnrollment(ec model.EnrollmentContext) {
	m.mu.Lock()
	m.enrollment = &ec
	m.mu.Unlock()
}

// Enrollment returns the current enrollment context.
func (m *Monitor) Enrollment() (model.EnrollmentContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enrollment == nil {
		return model.EnrollmentContext{}, false
	}
	return *m.enrollment, true
}

// Recording reports whether monitoring writes are allowed.
func (m *Monitor) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordingLocked()
}

func (m *Monitor) recordingLocked() bool {
	return m.enrollment != nil && m.enrollment.MonitoringEnabled && m.enrollment.EnrollmentID != uuid.Nil
}

// Seed raises the local counters to at least the given values, typically the
// server record on resume. It never lowers a counter and never escalates.
func (m *Monitor) Seed(c model.IntegrityCounters) {
	m.mu.Lock()
	m.counters = m.counters.Max(c)
	m.mu.Unlock()
}

// Rearm lets the next violation at or above the threshold escalate again. The
// owner calls it when the escalated submit failed.
func (m *Monitor) Rearm() {
	m.mu.Lock()
	m.escalated = false
	m.mu.Unlock()
}

// Escalated reports whether the threshold has been reached and escalated.
func (m *Monitor) Escalated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated
}

// Counters returns the current counter triple.
func (m *Monitor) Counters() model.IntegrityCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// Add registers a detector. Detectors added while running are started at once.
func (m *Monitor) Add(ctx context.Context, d Detector) {
	m.mu.Lock()
	m.detectors = append(m.detectors, d)
	running := m.running
	m.mu.Unlock()
	if running {
		d.Start(ctx, m)
	}
}

// Start starts every registered detector.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	detectors := append([]Detector(nil), m.detectors...)
	m.mu.Unlock()

	for _, d := range detectors {
		d.Start(ctx, m)
		m.log.Debug().Str("detector", d.Name()).Msg("Detector started")
	}
}

// Stop stops every detector and waits for their goroutines.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	detectors := append([]Detector(nil), m.detectors...)
	m.mu.Unlock()

	for _, d := range detectors {
		d.Stop()
	}
}

// RecordSnapshot enqueues a snapshot patch carrying the current counters. It
// returns false when monitoring writes are not allowed.
func (m *Monitor) RecordSnapshot(mediaID uuid.UUID, kind model.SnapshotKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recordingLocked() || m.sink == nil {
		return false
	}
	p := model.CounterPatch(m.enrollment.EnrollmentID, m.counters)
	p.SnapshotMediaID = &mediaID
	p.SnapshotType = &kind
	m.sink.Enqueue(p)
	return true
}

// Emit implements Emitter and applies the escalation policy.
func (m *Monitor) Emit(e Event) {
	if e.At.IsZero() {
		e.At = m.clock.Now()
	}

	switch e.Kind {
	case KindTabSwitch, KindFullscreenExit:
		m.violation(e)
	case KindVoice:
		m.voice(e)
	case KindNoFace, KindMultipleFaces:
		m.face(e)
	default:
		m.log.Debug().Str("kind", string(e.Kind)).Str("detail", e.Detail).Msg("Input blocked")
	}
}

// acceptLocked applies the debounce or cooldown window for kind. The window is
// anchored at the last counted event. Callers hold mu.
func (m *Monitor) acceptLocked(kind Kind, at time.Time, window time.Duration) bool {
	if last, ok := m.lastCount[kind]; ok {
		if d := at.Sub(last); d < window && d > -window {
			return false
		}
	}
	m.lastCount[kind] = at
	return true
}

func (m *Monitor) violation(e Event) {
	if e.Kind == KindFullscreenExit && m.notifier != nil {
		m.notifier.FullscreenPrompt()
	}

	m.mu.Lock()
	if !m.recordingLocked() || !m.acceptLocked(e.Kind, e.At, m.cfg.Debounce) {
		m.mu.Unlock()
		return
	}

	if e.Kind == KindTabSwitch {
		m.counters.TabSwitchCount++
	} else {
		m.counters.FullscreenExitCount++
	}
	counters := m.counters
	if m.sink != nil {
		m.sink.Enqueue(model.CounterPatch(m.enrollment.EnrollmentID, counters))
	}

	violations := counters.Violations()
	escalate := violations >= m.cfg.Threshold && !m.escalated
	if escalate {
		m.escalated = true
	}
	already := violations >= m.cfg.Threshold && !escalate
	onEscalate := m.onEscalate
	m.mu.Unlock()

	m.log.Warn().
		Str("kind", string(e.Kind)).
		Str("source", e.Source).
		Int("violations", violations).
		Msg("Integrity violation")

	switch {
	case escalate:
		m.log.Warn().Int("violations", violations).Msg("Violation threshold reached, escalating")
		if onEscalate != nil {
			onEscalate(violations)
		}
	case already:
	default:
		if m.notifier != nil {
			m.notifier.Warn(violations, m.cfg.Threshold-violations)
			if e.Kind == KindTabSwitch {
				m.notifier.Refocus()
			}
		}
	}
}

func (m *Monitor) voice(e Event) {
	m.mu.Lock()
	if !m.recordingLocked() || !m.acceptLocked(e.Kind, e.At, m.cfg.VoiceCooldown) {
		m.mu.Unlock()
		return
	}
	m.counters.VoiceDetectionCount++
	if m.sink != nil {
		m.sink.Enqueue(model.CounterPatch(m.enrollment.EnrollmentID, m.counters))
	}
	count := m.counters.VoiceDetectionCount
	m.mu.Unlock()

	m.log.Info().Int("voice_detections", count).Msg("Voice detected")
	if m.notifier != nil {
		m.notifier.Banner(KindVoice, msgVoice)
	}
}

func (m *Monitor) face(e Event) {
	m.mu.Lock()
	if !m.acceptLocked(e.Kind, e.At, m.cfg.FaceCooldown) {
		m.mu.Unlock()
		return
	}
	trigger := m.snapshots
	m.mu.Unlock()

	m.log.Info().Str("kind", string(e.Kind)).Int("faces", e.Faces).Msg("Face anomaly")

	if m.notifier != nil {
		msg := msgNoFace
		if e.Kind == KindMultipleFaces {
			msg = msgMultipleFaces
		}
		m.notifier.Banner(e.Kind, msg)
	}
	if kind, ok := e.Kind.SnapshotKind(); ok && trigger != nil {
		trigger.Trigger(kind)
	}
}
