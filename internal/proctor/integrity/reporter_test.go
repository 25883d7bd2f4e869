package integrity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/testutil"
)

func counters(tab, fs, voice int) model.IntegrityCounters {
	return model.IntegrityCounters{TabSwitchCount: tab, FullscreenExitCount: fs, VoiceDetectionCount: voice}
}

func snapshotPatch(id uuid.UUID, c model.IntegrityCounters, kind model.SnapshotKind) model.MonitoringPatch {
	p := model.CounterPatch(id, c)
	media := uuid.New()
	p.SnapshotMediaID = &media
	p.SnapshotType = &kind
	return p
}

func TestReporterCoalescesCounterPatches(t *testing.T) {
	api := testutil.NewFakeMonitoring()
	r := integrity.NewReporter(api, testutil.Log)
	id := uuid.New()

	r.Enqueue(model.CounterPatch(id, counters(1, 0, 0)))
	r.Enqueue(model.CounterPatch(id, counters(2, 0, 0)))
	r.Enqueue(model.CounterPatch(id, counters(2, 1, 0)))
	r.Enqueue(snapshotPatch(id, counters(2, 1, 0), model.SnapshotRegularInterval))
	r.Enqueue(model.CounterPatch(id, counters(2, 1, 1)))
	r.Enqueue(model.CounterPatch(id, counters(3, 1, 1)))

	if got := r.Pending(); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}

	r.Start()
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	log := api.PatchLog()
	if len(log) != 3 {
		t.Fatalf("delivered %d patches, want 3", len(log))
	}
	if log[0].HasSnapshot() || !log[1].HasSnapshot() || log[2].HasSnapshot() {
		t.Errorf("patch order wrong: %+v", log)
	}
	if got, want := api.Record(id), counters(3, 1, 1); got != want {
		t.Errorf("record = %+v, want %+v", got, want)
	}
	if n := len(api.SnapshotsOf(id)); n != 1 {
		t.Errorf("snapshots = %d, want 1", n)
	}
}

func TestReporterKeepsEnrollmentsApart(t *testing.T) {
	api := testutil.NewFakeMonitoring()
	r := integrity.NewReporter(api, testutil.Log)
	a, b := uuid.New(), uuid.New()

	r.Enqueue(model.CounterPatch(a, counters(1, 0, 0)))
	r.Enqueue(model.CounterPatch(b, counters(5, 0, 0)))
	if got := r.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
	r.Start()
	_ = r.Close(context.Background())

	if api.Record(a).TabSwitchCount != 1 || api.Record(b).TabSwitchCount != 5 {
		t.Errorf("records mixed up: a=%+v b=%+v", api.Record(a), api.Record(b))
	}
}

func TestReporterDeliversInOrder(t *testing.T) {
	api := testutil.NewFakeMonitoring()
	api.Delay = 2 * time.Millisecond
	r := integrity.NewReporter(api, testutil.Log)
	r.Start()
	id := uuid.New()

	for i := 1; i <= 20; i++ {
		r.Enqueue(model.CounterPatch(id, counters(i, 0, 0)))
		if i%5 == 0 {
			r.Enqueue(snapshotPatch(id, counters(i, 0, 0), model.SnapshotRegularInterval))
		}
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	last := 0
	for _, p := range api.PatchLog() {
		if *p.TabSwitchCount < last {
			t.Fatalf("counter went backwards: %d after %d", *p.TabSwitchCount, last)
		}
		last = *p.TabSwitchCount
	}
	if got := api.Record(id).TabSwitchCount; got != 20 {
		t.Errorf("final TabSwitchCount = %d, want 20", got)
	}
	if n := len(api.SnapshotsOf(id)); n != 4 {
		t.Errorf("snapshots = %d, want 4", n)
	}
}

func TestReporterSwallowsFailures(t *testing.T) {
	api := testutil.NewFakeMonitoring()
	api.Err = errors.New("boom")
	r := integrity.NewReporter(api, testutil.Log)
	r.Start()
	id := uuid.New()

	r.Enqueue(snapshotPatch(id, counters(0, 0, 0), model.SnapshotExamStart))
	r.Enqueue(model.CounterPatch(id, counters(1, 0, 0)))
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(api.PatchLog()); n != 2 {
		t.Errorf("attempts = %d, want 2 after failure", n)
	}
}

func TestReporterCloseTimeout(t *testing.T) {
	api := testutil.NewFakeMonitoring()
	api.Delay = time.Second
	r := integrity.NewReporter(api, testutil.Log)
	r.Start()
	id := uuid.New()

	r.Enqueue(snapshotPatch(id, counters(0, 0, 0), model.SnapshotExamStart))
	r.Enqueue(snapshotPatch(id, counters(0, 0, 0), model.SnapshotRegularInterval))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := r.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Close waited for the slow update")
	}
	if r.Pending() != 0 {
		t.Errorf("Pending = %d after timed out close, want 0", r.Pending())
	}
}

func TestReporterDropsAfterClose(t *testing.T) {
	api := testutil.NewFakeMonitoring()
	r := integrity.NewReporter(api, testutil.Log)
	r.Start()
	_ = r.Close(context.Background())
	_ = r.Close(context.Background())

	r.Enqueue(model.CounterPatch(uuid.New(), counters(1, 0, 0)))
	if r.Pending() != 0 || len(api.PatchLog()) != 0 {
		t.Error("patch accepted after close")
	}
}
