package integrity

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor/media"
	"github.com/stemsi/exstem-proctor/internal/proctor/timing"
)

// ─── Signal-driven base ────────────────────────────────────────────────────

// signalDetector holds the started state and output of detectors driven by
// device signals rather than by their own goroutine.
type signalDetector struct {
	mu  sync.Mutex
	out Emitter
}

func (s *signalDetector) start(out Emitter) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

func (s *signalDetector) stop() {
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
}

func (s *signalDetector) emit(e Event) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	out.Emit(e)
}

func (s *signalDetector) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out != nil
}

// ─── Visibility ────────────────────────────────────────────────────────────

// VisibilityDetector turns page-hidden and window-blur notifications into
// tab-switch events.
type VisibilityDetector struct {
	signalDetector
}

func (d *VisibilityDetector) Name() string { return "visibility" }

func (d *VisibilityDetector) Start(_ context.Context, out Emitter) { d.start(out) }

func (d *VisibilityDetector) Stop() { d.stop() }

// Visibility records a visibility change; only hiding raises an event.
func (d *VisibilityDetector) Visibility(hidden bool, at time.Time) {
	if !hidden {
		return
	}
	d.emit(Event{Kind: KindTabSwitch, Source: "visibilitychange", At: at})
}

// Blur records the window losing focus.
func (d *VisibilityDetector) Blur(at time.Time) {
	d.emit(Event{Kind: KindTabSwitch, Source: "blur", At: at})
}

// VisibilityProbe reports the page visibility as seen by polling. It must not
// reflect notifications already delivered to the primary detector.
type VisibilityProbe interface {
	Hidden() bool
}

// VisibilityPoller is the secondary visibility detector. It polls the probe
// and emits on every visible-to-hidden transition, covering notifications the
// primary detector never received.
type VisibilityPoller struct {
	Probe    VisibilityProbe
	Interval time.Duration
	Clock    timing.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *VisibilityPoller) Name() string { return "visibility-poll" }

func (p *VisibilityPoller) Start(ctx context.Context, out Emitter) {
	if p.Probe == nil || p.cancel != nil {
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	clock := p.Clock
	if clock == nil {
		clock = timing.SystemClock{}
	}

	ctx, p.cancel = context.WithCancel(ctx)
	ticker := clock.NewTicker(interval)

	wasHidden := p.Probe.Hidden()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C():
				hidden := p.Probe.Hidden()
				if hidden && !wasHidden {
					out.Emit(Event{Kind: KindTabSwitch, Source: "poll", At: at})
				}
				wasHidden = hidden
			}
		}
	}()
}

func (p *VisibilityPoller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}

// ─── Fullscreen ────────────────────────────────────────────────────────────

// FullscreenDetector tracks fullscreen state and emits on every exit.
type FullscreenDetector struct {
	signalDetector
	fullscreen atomic.Bool
}

func (d *FullscreenDetector) Name() string { return "fullscreen" }

func (d *FullscreenDetector) Start(_ context.Context, out Emitter) { d.start(out) }

func (d *FullscreenDetector) Stop() { d.stop() }

// Changed records a fullscreen-change notification.
func (d *FullscreenDetector) Changed(fullscreen bool, at time.Time) {
	was := d.fullscreen.Swap(fullscreen)
	if was && !fullscreen {
		d.emit(Event{Kind: KindFullscreenExit, Source: "fullscreenchange", At: at})
	}
}

// IsFullscreen reports the last known fullscreen state.
func (d *FullscreenDetector) IsFullscreen() bool {
	return d.fullscreen.Load()
}

// ─── Input guard ───────────────────────────────────────────────────────────

// MultiTouchLimit is the number of simultaneous touch points that is rejected.
const MultiTouchLimit = 3

// DefaultBlockedShortcuts are the app and tab switching combos suppressed
// during an exam.
var DefaultBlockedShortcuts = []string{
	"alt+tab", "alt+shift+tab", "meta+tab", "ctrl+tab", "ctrl+shift+tab",
	"alt+f4", "ctrl+w", "ctrl+t", "ctrl+n", "ctrl+shift+n", "meta+h",
	"meta+m", "meta+q", "meta+w", "meta+d", "alt+esc", "ctrl+esc", "f11",
}

var modifierOrder = map[string]int{"ctrl": 0, "alt": 1, "shift": 2, "meta": 3}

// NormalizeCombo lowercases a key combo and orders its modifiers, so
// "Shift+Ctrl+Tab" and "ctrl+shift+TAB" compare equal.
func NormalizeCombo(combo string) string {
	parts := strings.Split(strings.ToLower(combo), "+")
	mods := make([]string, 0, len(parts))
	var keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "":
			continue
		case "control":
			p = "ctrl"
		case "cmd", "command", "os", "win":
			p = "meta"
		case "escape":
			p = "esc"
		}
		if _, ok := modifierOrder[p]; ok {
			mods = append(mods, p)
			continue
		}
		keys = append(keys, p)
	}
	sort.Slice(mods, func(i, j int) bool { return modifierOrder[mods[i]] < modifierOrder[mods[j]] })
	return strings.Join(append(mods, keys...), "+")
}

// InputGuard suppresses switching shortcuts and multi-touch gestures. Its
// events are prevention records and are never counted.
type InputGuard struct {
	signalDetector

	// Fullscreen reports whether the page is fullscreen; multi-touch is only
	// rejected while it is.
	Fullscreen func() bool

	once    sync.Once
	blocked map[string]bool
	combos  []string
}

// NewInputGuard builds a guard for the given combos, or the defaults when
// none are given.
func NewInputGuard(fullscreen func() bool, combos ...string) *InputGuard {
	if len(combos) == 0 {
		combos = DefaultBlockedShortcuts
	}
	return &InputGuard{Fullscreen: fullscreen, combos: combos}
}

func (g *InputGuard) Name() string { return "input-guard" }

func (g *InputGuard) Start(_ context.Context, out Emitter) { g.start(out) }

func (g *InputGuard) Stop() { g.stop() }

func (g *InputGuard) init() {
	g.once.Do(func() {
		combos := g.combos
		if len(combos) == 0 {
			combos = DefaultBlockedShortcuts
		}
		g.blocked = make(map[string]bool, len(combos))
		for _, c := range combos {
			g.blocked[NormalizeCombo(c)] = true
		}
	})
}

// Key reports whether the combo must be suppressed.
func (g *InputGuard) Key(combo string, at time.Time) bool {
	if !g.running() {
		return false
	}
	g.init()
	norm := NormalizeCombo(combo)
	if !g.blocked[norm] {
		return false
	}
	g.emit(Event{Kind: KindBlockedShortcut, Source: "keydown", At: at, Detail: norm})
	return true
}

// Touch reports whether a gesture with the given number of touch points must
// be rejected.
func (g *InputGuard) Touch(points int, at time.Time) bool {
	if !g.running() || points < MultiTouchLimit {
		return false
	}
	if g.Fullscreen != nil && !g.Fullscreen() {
		return false
	}
	g.emit(Event{Kind: KindMultiTouch, Source: "touchstart", At: at})
	return true
}

// ─── Face presence ─────────────────────────────────────────────────────────

// ErrFacesUnknown is returned when a frame carries no face classification.
var ErrFacesUnknown = errors.New("frame has no face classification")

// FaceCounter classifies a frame by the number of faces in it.
type FaceCounter interface {
	CountFaces(f media.Frame) (int, error)
}

// ClientFaceCounter trusts the face count the device attached to the frame.
type ClientFaceCounter struct{}

func (ClientFaceCounter) CountFaces(f media.Frame) (int, error) {
	if f.Faces < 0 {
		return 0, ErrFacesUnknown
	}
	return f.Faces, nil
}

// FaceDetector samples the shared stream and emits on absent or multiple
// faces.
type FaceDetector struct {
	Source   media.FrameSource
	Counter  FaceCounter
	Interval time.Duration
	Clock    timing.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DefaultFaceInterval is the face sampling period.
const DefaultFaceInterval = 2 * time.Second

func (d *FaceDetector) Name() string { return "face" }

func (d *FaceDetector) Start(ctx context.Context, out Emitter) {
	if d.Source == nil || d.cancel != nil {
		return
	}
	counter := d.Counter
	if counter == nil {
		counter = ClientFaceCounter{}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultFaceInterval
	}
	clock := d.Clock
	if clock == nil {
		clock = timing.SystemClock{}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	ticker := clock.NewTicker(interval)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()

		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C():
				frame, ok := d.Source.Latest()
				if !ok || frame.CapturedAt.Equal(last) {
					continue
				}
				last = frame.CapturedAt

				n, err := counter.CountFaces(frame)
				if err != nil {
					continue
				}
				switch {
				case n == 0:
					out.Emit(Event{Kind: KindNoFace, Source: "face", At: at, Faces: n})
				case n > 1:
					out.Emit(Event{Kind: KindMultipleFaces, Source: "face", At: at, Faces: n})
				}
			}
		}
	}()
}

func (d *FaceDetector) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.cancel = nil
}

// ─── Voice ─────────────────────────────────────────────────────────────────

// DefaultVoiceThreshold is the normalised RMS level treated as speech.
const DefaultVoiceThreshold = 0.08

// AudioSource delivers microphone chunks.
type AudioSource interface {
	OnAudio(fn func(media.AudioChunk))
}

// VoiceDetector raises a voice event whenever a chunk's energy crosses the
// threshold.
type VoiceDetector struct {
	signalDetector
	Source    AudioSource
	Threshold float64

	subscribed sync.Once
}

func (d *VoiceDetector) Name() string { return "voice" }

func (d *VoiceDetector) Start(_ context.Context, out Emitter) {
	d.start(out)
	if d.Source == nil {
		return
	}
	d.subscribed.Do(func() { d.Source.OnAudio(d.Sample) })
}

func (d *VoiceDetector) Stop() { d.stop() }

// Sample evaluates one chunk.
func (d *VoiceDetector) Sample(c media.AudioChunk) {
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultVoiceThreshold
	}
	if RMS(c.Samples) < threshold {
		return
	}
	d.emit(Event{Kind: KindVoice, Source: "microphone", At: c.CapturedAt})
}

// RMS returns the root mean square of the samples normalised to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
