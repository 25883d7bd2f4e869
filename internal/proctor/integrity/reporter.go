package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultPatchTimeout bounds a single monitoring update.
const DefaultPatchTimeout = 10 * time.Second

// Reporter is the single ordered writer of monitoring patches. Consecutive
// counter-only patches for the same enrollment coalesce, since each carries
// the full triple; snapshot patches are always delivered.
type Reporter struct {
	api     MonitoringAPI
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	queue   []model.MonitoringPatch
	closed  bool
	started bool
	wake    chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReporter creates a reporter. Call Start before enqueueing.
func NewReporter(api MonitoringAPI, log zerolog.Logger) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		api:     api,
		log:     log.With().Str("component", "monitoring_reporter").Logger(),
		timeout: DefaultPatchTimeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the delivery goroutine.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go r.loop()
}

// Enqueue schedules a patch. It never blocks.
func (r *Reporter) Enqueue(p model.MonitoringPatch) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warn().Str("enrollment_id", p.EnrollmentID.String()).Msg("Reporter closed, dropping monitoring patch")
		return
	}
	if n := len(r.queue); n > 0 && !p.HasSnapshot() {
		last := r.queue[n-1]
		if !last.HasSnapshot() && last.EnrollmentID == p.EnrollmentID {
			r.queue[n-1] = p
			r.mu.Unlock()
			r.signal()
			return
		}
	}
	r.queue = append(r.queue, p)
	r.mu.Unlock()
	r.signal()
}

// Pending returns the number of undelivered patches.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Reporter) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reporter) loop() {
	defer close(r.done)
	for r.ctx.Err() == nil {
		r.mu.Lock()
		if len(r.queue) == 0 {
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-r.wake:
				continue
			case <-r.ctx.Done():
				return
			}
		}
		p := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.deliver(p)
	}
}

func (r *Reporter) deliver(p model.MonitoringPatch) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	if err := r.api.UpdateMonitoring(ctx, p); err != nil {
		ev := r.log.Error().Err(err).Str("enrollment_id", p.EnrollmentID.String())
		if p.HasSnapshot() {
			ev = ev.Str("snapshot_type", string(*p.SnapshotType))
		}
		ev.Msg("Failed to update monitoring record")
	}
}

// Close stops accepting patches and waits for the queue to drain. When ctx
// expires first the in-flight update is cancelled and the rest are dropped.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if !r.started {
			return nil
		}
		<-r.done
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	if !started {
		r.cancel()
		return nil
	}
	r.signal()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		r.mu.Lock()
		dropped := len(r.queue)
		r.queue = nil
		r.mu.Unlock()
		r.log.Warn().Int("dropped", dropped).Msg("Monitoring reporter drain timed out")
		return ctx.Err()
	}
}
