package integrity_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/media"
	"github.com/stemsi/exstem-proctor/internal/testutil"
)

type eventLog struct {
	mu     sync.Mutex
	events []integrity.Event
}

func (l *eventLog) Emit(e integrity.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []integrity.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]integrity.Kind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestVisibilityDetector(t *testing.T) {
	d := &integrity.VisibilityDetector{}
	out := &eventLog{}

	d.Visibility(true, base)
	if out.len() != 0 {
		t.Fatal("emitted before start")
	}

	d.Start(context.Background(), out)
	d.Visibility(false, base)
	d.Visibility(true, base.Add(time.Second))
	d.Blur(base.Add(2 * time.Second))
	d.Stop()
	d.Visibility(true, base.Add(3*time.Second))

	got := out.kinds()
	if len(got) != 2 || got[0] != integrity.KindTabSwitch || got[1] != integrity.KindTabSwitch {
		t.Errorf("events = %v, want two tab switches", got)
	}
}

type probe struct{ hidden atomic.Bool }

func (p *probe) Hidden() bool { return p.hidden.Load() }

func TestVisibilityPollerEmitsOnTransition(t *testing.T) {
	clock := testutil.NewManualClock(base)
	pr := &probe{}
	out := &eventLog{}
	p := &integrity.VisibilityPoller{Probe: pr, Interval: time.Second, Clock: clock}
	p.Start(context.Background(), out)
	defer p.Stop()

	pr.hidden.Store(true)
	clock.Advance(time.Second)
	testutil.WaitFor(t, func() bool { return out.len() == 1 }, "poll event")

	// Still hidden: no new transition.
	clock.Advance(time.Second)
	testutil.Never(t, 30*time.Millisecond, func() bool { return out.len() > 1 }, "repeat event while hidden")

	pr.hidden.Store(false)
	clock.Advance(time.Second)
	testutil.Never(t, 30*time.Millisecond, func() bool { return out.len() > 1 }, "event on reveal")

	pr.hidden.Store(true)
	clock.Advance(time.Second)
	testutil.WaitFor(t, func() bool { return out.len() == 2 }, "second poll event")
}

func TestFullscreenDetector(t *testing.T) {
	d := &integrity.FullscreenDetector{}
	out := &eventLog{}
	d.Start(context.Background(), out)
	defer d.Stop()

	d.Changed(false, base)
	d.Changed(true, base)
	if !d.IsFullscreen() {
		t.Fatal("IsFullscreen = false after entering")
	}
	d.Changed(false, base.Add(time.Second))
	d.Changed(false, base.Add(2*time.Second))

	got := out.kinds()
	if len(got) != 1 || got[0] != integrity.KindFullscreenExit {
		t.Errorf("events = %v, want one fullscreen exit", got)
	}
}

func TestNormalizeCombo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Alt+Tab", want: "alt+tab"},
		{in: "Shift+Ctrl+Tab", want: "ctrl+shift+tab"},
		{in: "ctrl+shift+TAB", want: "ctrl+shift+tab"},
		{in: "Control+W", want: "ctrl+w"},
		{in: "Cmd+Q", want: "meta+q"},
		{in: "Alt + Escape", want: "alt+esc"},
		{in: "F11", want: "f11"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := integrity.NormalizeCombo(tc.in); got != tc.want {
				t.Errorf("NormalizeCombo(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestInputGuard(t *testing.T) {
	var fullscreen atomic.Bool
	fullscreen.Store(true)
	g := integrity.NewInputGuard(fullscreen.Load)
	out := &eventLog{}

	if g.Key("alt+tab", base) {
		t.Fatal("guard blocked before start")
	}
	g.Start(context.Background(), out)
	defer g.Stop()

	keys := []struct {
		combo string
		want  bool
	}{
		{combo: "Alt+Tab", want: true},
		{combo: "Shift+Alt+Tab", want: true},
		{combo: "ctrl+c", want: false},
		{combo: "a", want: false},
		{combo: "F11", want: true},
	}
	for _, k := range keys {
		if got := g.Key(k.combo, base); got != k.want {
			t.Errorf("Key(%q) = %v, want %v", k.combo, got, k.want)
		}
	}

	if g.Touch(2, base) {
		t.Error("two-finger touch rejected")
	}
	if !g.Touch(3, base) {
		t.Error("three-finger touch allowed in fullscreen")
	}
	fullscreen.Store(false)
	if g.Touch(4, base) {
		t.Error("multi-touch rejected outside fullscreen")
	}

	if got := out.len(); got != 4 {
		t.Errorf("events = %d, want 4 (three shortcuts, one touch)", got)
	}
}

func TestInputGuardCustomCombos(t *testing.T) {
	g := integrity.NewInputGuard(nil, "ctrl+p")
	g.Start(context.Background(), &eventLog{})
	defer g.Stop()

	if !g.Key("Ctrl+P", base) {
		t.Error("custom combo not blocked")
	}
	if g.Key("alt+tab", base) {
		t.Error("default combo blocked with custom list")
	}
}

func TestFaceDetector(t *testing.T) {
	clock := testutil.NewManualClock(base)
	stream := media.NewStream()
	out := &eventLog{}
	d := &integrity.FaceDetector{Source: stream, Interval: 2 * time.Second, Clock: clock}
	d.Start(context.Background(), out)
	defer d.Stop()

	// No frame yet.
	clock.Advance(2 * time.Second)
	testutil.Never(t, 30*time.Millisecond, func() bool { return out.len() > 0 }, "event without frame")

	_ = stream.PushFrame(media.Frame{Faces: 0, CapturedAt: base.Add(time.Second)})
	clock.Advance(2 * time.Second)
	testutil.WaitFor(t, func() bool { return out.len() == 1 }, "no-face event")

	// Same frame is not re-evaluated.
	clock.Advance(2 * time.Second)
	testutil.Never(t, 30*time.Millisecond, func() bool { return out.len() > 1 }, "event for stale frame")

	_ = stream.PushFrame(media.Frame{Faces: 1, CapturedAt: base.Add(5 * time.Second)})
	clock.Advance(2 * time.Second)
	testutil.Never(t, 30*time.Millisecond, func() bool { return out.len() > 1 }, "event for single face")

	_ = stream.PushFrame(media.Frame{Faces: media.FacesUnknown, CapturedAt: base.Add(7 * time.Second)})
	clock.Advance(2 * time.Second)
	testutil.Never(t, 30*time.Millisecond, func() bool { return out.len() > 1 }, "event for unclassified frame")

	_ = stream.PushFrame(media.Frame{Faces: 3, CapturedAt: base.Add(9 * time.Second)})
	clock.Advance(2 * time.Second)
	testutil.WaitFor(t, func() bool { return out.len() == 2 }, "multiple-faces event")

	got := out.kinds()
	if got[0] != integrity.KindNoFace || got[1] != integrity.KindMultipleFaces {
		t.Errorf("events = %v", got)
	}
}

func tone(amplitude float64, n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*float64(i)/32))
	}
	return s
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "silence", samples: make([]int16, 64), want: 0},
		{name: "full scale square", samples: []int16{-32768, -32768, -32768, -32768}, want: 1},
		{name: "half sine", samples: tone(0.5, 320), want: 0.5 / math.Sqrt2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := integrity.RMS(tc.samples); math.Abs(got-tc.want) > 0.01 {
				t.Errorf("RMS = %.4f, want %.4f", got, tc.want)
			}
		})
	}
}

func TestVoiceDetector(t *testing.T) {
	stream := media.NewStream()
	out := &eventLog{}
	d := &integrity.VoiceDetector{Source: stream, Threshold: 0.1}
	d.Start(context.Background(), out)

	_ = stream.PushAudio(media.AudioChunk{Samples: tone(0.05, 320), CapturedAt: base})
	_ = stream.PushAudio(media.AudioChunk{Samples: tone(0.6, 320), CapturedAt: base.Add(time.Second)})

	d.Stop()
	_ = stream.PushAudio(media.AudioChunk{Samples: tone(0.6, 320), CapturedAt: base.Add(2 * time.Second)})

	got := out.kinds()
	if len(got) != 1 || got[0] != integrity.KindVoice {
		t.Errorf("events = %v, want one voice event", got)
	}

	// Restarting does not subscribe twice.
	d.Start(context.Background(), out)
	_ = stream.PushAudio(media.AudioChunk{Samples: tone(0.6, 320), CapturedAt: base.Add(3 * time.Second)})
	if out.len() != 2 {
		t.Errorf("events = %d after restart, want 2", out.len())
	}
}
