package snapshot_test

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/media"
	"github.com/stemsi/exstem-proctor/internal/proctor/snapshot"
	"github.com/stemsi/exstem-proctor/internal/testutil"
)

type recorder struct {
	recording atomic.Bool
	mu        sync.Mutex
	kinds     []model.SnapshotKind
}

func newRecorder(on bool) *recorder {
	r := &recorder{}
	r.recording.Store(on)
	return r
}

func (r *recorder) Recording() bool { return r.recording.Load() }

func (r *recorder) RecordSnapshot(_ uuid.UUID, kind model.SnapshotKind) bool {
	if !r.recording.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return true
}

func (r *recorder) count(kind model.SnapshotKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func streamWithFrame(t *testing.T, w, h int) *media.Stream {
	t.Helper()
	s := media.NewStream()
	if err := s.PushFrame(testutil.JPEGFrame(w, h, 1)); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{name: "large frame shrinks to fit", w: 1280, h: 960, wantW: 640, wantH: 480},
		{name: "wide frame keeps aspect", w: 1920, h: 480, wantW: 640, wantH: 160},
		{name: "small frame is not enlarged", w: 320, h: 240, wantW: 320, wantH: 240},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := snapshot.Encode(testutil.JPEGFrame(tc.w, tc.h, 1), 640, 480, 70)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			img, err := imaging.Decode(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("output is not an image: %v", err)
			}
			if b := img.Bounds(); b.Dx() != tc.wantW || b.Dy() != tc.wantH {
				t.Errorf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tc.wantW, tc.wantH)
			}
		})
	}
}

func TestEncodeRejectsBadFrames(t *testing.T) {
	for name, data := range map[string][]byte{"empty": nil, "garbage": []byte("not a jpeg")} {
		t.Run(name, func(t *testing.T) {
			if _, err := snapshot.Encode(media.Frame{Data: data}, 640, 480, 70); err == nil {
				t.Error("Encode accepted a bad frame")
			}
		})
	}
}

func TestCapturePreconditions(t *testing.T) {
	tests := []struct {
		name      string
		recording bool
		stream    func(t *testing.T) *media.Stream
	}{
		{name: "not recording", recording: false, stream: func(t *testing.T) *media.Stream { return streamWithFrame(t, 64, 48) }},
		{name: "stream inactive", recording: true, stream: func(*testing.T) *media.Stream { return media.NewStream() }},
		{name: "no frame yet", recording: true, stream: func(*testing.T) *media.Stream {
			s := media.NewStream()
			_ = s.Activate()
			return s
		}},
		{name: "stream released", recording: true, stream: func(t *testing.T) *media.Stream {
			s := streamWithFrame(t, 64, 48)
			s.Close()
			return s
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			up := testutil.NewFakeUploader()
			rec := newRecorder(tc.recording)
			p := snapshot.New(snapshot.Config{}, tc.stream(t), up, rec, nil, testutil.Log)

			if _, ok := p.Capture(context.Background(), model.SnapshotRegularInterval); ok {
				t.Error("Capture succeeded")
			}
			if up.Count() != 0 {
				t.Errorf("uploads = %d, want 0", up.Count())
			}
		})
	}
}

func TestCaptureUploadsAndRecords(t *testing.T) {
	up := testutil.NewFakeUploader()
	rec := newRecorder(true)
	p := snapshot.New(snapshot.Config{}, streamWithFrame(t, 800, 600), up, rec, nil, testutil.Log)

	id, ok := p.Capture(context.Background(), model.SnapshotNoFace)
	if !ok {
		t.Fatal("Capture failed")
	}
	if up.Types[id] != snapshot.ContentType {
		t.Errorf("content type = %q", up.Types[id])
	}
	if rec.count(model.SnapshotNoFace) != 1 {
		t.Errorf("recorded kinds = %v", rec.kinds)
	}
}

func TestCaptureUploadFailureIsSwallowed(t *testing.T) {
	up := testutil.NewFakeUploader()
	up.Err = testutil.ErrUnavailable
	rec := newRecorder(true)
	p := snapshot.New(snapshot.Config{}, streamWithFrame(t, 64, 48), up, rec, nil, testutil.Log)

	if _, ok := p.Capture(context.Background(), model.SnapshotExamStart); ok {
		t.Error("Capture reported success on upload failure")
	}
	if len(rec.kinds) != 0 {
		t.Error("failed upload was recorded")
	}
}

func TestInterval(t *testing.T) {
	p := snapshot.New(snapshot.Config{}, nil, nil, nil, nil, testutil.Log)
	if got := p.Interval(80 * time.Minute); got != 10*time.Minute {
		t.Errorf("Interval = %s, want 10m", got)
	}
}

func TestPipelineCadence(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := testutil.NewManualClock(start)
	up := testutil.NewFakeUploader()
	rec := newRecorder(true)
	p := snapshot.New(snapshot.Config{}, streamWithFrame(t, 64, 48), up, rec, clock, testutil.Log)

	p.Start(context.Background(), start, 80*time.Minute)
	defer p.Stop()

	testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotExamStart) == 1 }, "exam start snapshot")
	clock.WaitForTickers(t, 1)

	for i := 1; i <= 10; i++ {
		clock.Advance(10 * time.Minute)
		want := min(i, 8)
		testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotRegularInterval) == want }, "regular snapshot")
	}
	testutil.Never(t, 30*time.Millisecond, func() bool { return rec.count(model.SnapshotRegularInterval) > 8 }, "more than eight regular snapshots")
	if clock.Tickers() != 0 {
		t.Error("cadence ticker still live after the last capture")
	}
}

func TestPipelineCadenceKeepsScheduleOnResume(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := testutil.NewManualClock(start.Add(25 * time.Minute))
	rec := newRecorder(true)
	p := snapshot.New(snapshot.Config{}, streamWithFrame(t, 64, 48), testutil.NewFakeUploader(), rec, clock, testutil.Log)

	p.Start(context.Background(), start, 80*time.Minute)
	defer p.Stop()

	testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotExamStart) == 1 }, "exam start snapshot")
	clock.WaitForTickers(t, 1)

	clock.Advance(4 * time.Minute)
	testutil.Never(t, 30*time.Millisecond, func() bool { return rec.count(model.SnapshotRegularInterval) > 0 }, "snapshot before the 30 minute slot")
	clock.Advance(time.Minute)
	testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotRegularInterval) == 1 }, "snapshot at the 30 minute slot")

	for i := 2; i <= 6; i++ {
		clock.Advance(10 * time.Minute)
		want := i
		testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotRegularInterval) == want }, "regular snapshot")
	}
	clock.Advance(10 * time.Minute)
	testutil.Never(t, 30*time.Millisecond, func() bool { return rec.count(model.SnapshotRegularInterval) > 6 }, "snapshot past the exam end")
	if clock.Tickers() != 0 {
		t.Error("cadence ticker still live after the last slot")
	}
}

func TestPipelineStartRetriesUntilFrame(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := testutil.NewManualClock(start)
	stream := media.NewStream()
	_ = stream.Activate()
	rec := newRecorder(true)
	p := snapshot.New(snapshot.Config{StartRetries: 5, StartRetryDelay: time.Second}, stream, testutil.NewFakeUploader(), rec, clock, testutil.Log)

	p.Start(context.Background(), time.Time{}, time.Hour)
	defer p.Stop()

	clock.WaitForTickers(t, 1)
	_ = stream.PushFrame(testutil.JPEGFrame(64, 48, 1))
	clock.Advance(time.Second)

	testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotExamStart) == 1 }, "exam start snapshot after retry")
}

func TestPipelineStartGivesUpWithoutFrame(t *testing.T) {
	stream := media.NewStream()
	_ = stream.Activate()
	up := testutil.NewFakeUploader()
	p := snapshot.New(snapshot.Config{StartRetries: 3, StartRetryDelay: 2 * time.Millisecond}, stream, up, newRecorder(true), nil, testutil.Log)

	p.Start(context.Background(), time.Time{}, time.Hour)
	testutil.Never(t, 50*time.Millisecond, func() bool { return up.Count() > 0 }, "upload without frame")

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testutil.DefaultWait):
		t.Fatal("Stop did not return")
	}
}

func TestTriggerOnlyWhileRunning(t *testing.T) {
	clock := testutil.NewManualClock(time.Now())
	up := testutil.NewFakeUploader()
	rec := newRecorder(true)
	p := snapshot.New(snapshot.Config{}, streamWithFrame(t, 64, 48), up, rec, clock, testutil.Log)

	p.Trigger(model.SnapshotNoFace)
	testutil.Never(t, 30*time.Millisecond, func() bool { return up.Count() > 0 }, "capture before start")

	p.Start(context.Background(), time.Time{}, time.Hour)
	testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotExamStart) == 1 }, "exam start snapshot")

	p.Trigger(model.SnapshotMultipleFaces)
	testutil.WaitFor(t, func() bool { return rec.count(model.SnapshotMultipleFaces) == 1 }, "triggered snapshot")

	p.Stop()
	before := up.Count()
	p.Trigger(model.SnapshotNoFace)
	testutil.Never(t, 30*time.Millisecond, func() bool { return up.Count() > before }, "capture after stop")
}
