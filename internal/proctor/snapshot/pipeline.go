// Package snapshot captures proctoring evidence from the session's camera
// stream, uploads it and links it to the monitoring record.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/media"
	"github.com/stemsi/exstem-proctor/internal/proctor/timing"
)

// ContentType is the MIME type of every uploaded snapshot.
const ContentType = "image/jpeg"

// Uploader stores an encoded image and returns its media id.
type Uploader interface {
	UploadMedia(ctx context.Context, data []byte, contentType string) (uuid.UUID, error)
}

// Recorder links an uploaded snapshot to the monitoring record. Recording
// reports whether monitoring writes are currently allowed.
type Recorder interface {
	Recording() bool
	RecordSnapshot(mediaID uuid.UUID, kind model.SnapshotKind) bool
}

// Config tunes capture and encoding.
type Config struct {
	MaxWidth        int
	MaxHeight       int
	Quality         int
	Snapshots       int
	StartRetries    int
	StartRetryDelay time.Duration
	UploadTimeout   time.Duration
}

// WithDefaults fills zero fields with the default values.
func (c Config) WithDefaults() Config {
	if c.MaxWidth <= 0 {
		c.MaxWidth = 640
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 480
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 70
	}
	if c.Snapshots <= 0 {
		c.Snapshots = 8
	}
	if c.StartRetries <= 0 {
		c.StartRetries = 5
	}
	if c.StartRetryDelay <= 0 {
		c.StartRetryDelay = time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 30 * time.Second
	}
	return c
}

var errNoFrame = errors.New("no frame available")

// Pipeline captures snapshots on start, on a fixed cadence and on demand.
type Pipeline struct {
	cfg      Config
	source   media.FrameSource
	uploader Uploader
	recorder Recorder
	clock    timing.Clock
	log      zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline reading frames from source.
func New(cfg Config, source media.FrameSource, uploader Uploader, recorder Recorder, clock timing.Clock, log zerolog.Logger) *Pipeline {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	return &Pipeline{
		cfg:      cfg.WithDefaults(),
		source:   source,
		uploader: uploader,
		recorder: recorder,
		clock:    clock,
		log:      log.With().Str("component", "snapshot_pipeline").Logger(),
	}
}

// Interval returns the regular capture period for an exam of the given length.
func (p *Pipeline) Interval(examDuration time.Duration) time.Duration {
	return examDuration / time.Duration(p.cfg.Snapshots)
}

// Capture takes one snapshot. It returns false without error when any
// precondition is missing or the upload fails.
func (p *Pipeline) Capture(ctx context.Context, kind model.SnapshotKind) (uuid.UUID, bool) {
	if p.recorder == nil || !p.recorder.Recording() {
		return uuid.Nil, false
	}
	if p.source == nil || !p.source.Active() {
		return uuid.Nil, false
	}
	frame, ok := p.source.Latest()
	if !ok {
		return uuid.Nil, false
	}

	data, err := Encode(frame, p.cfg.MaxWidth, p.cfg.MaxHeight, p.cfg.Quality)
	if err != nil {
		p.log.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to encode snapshot")
		return uuid.Nil, false
	}

	uploadCtx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	id, err := p.uploader.UploadMedia(uploadCtx, data, ContentType)
	if err != nil {
		p.log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to upload snapshot")
		return uuid.Nil, false
	}

	if !p.recorder.RecordSnapshot(id, kind) {
		p.log.Warn().Str("media_id", id.String()).Str("kind", string(kind)).Msg("Snapshot uploaded but not recorded")
		return id, false
	}

	p.log.Debug().Str("media_id", id.String()).Str("kind", string(kind)).Int("bytes", len(data)).Msg("Snapshot captured")
	return id, true
}

// Trigger captures asynchronously. It is a no-op unless the pipeline is
// running.
func (p *Pipeline) Trigger(kind model.SnapshotKind) {
	p.mu.Lock()
	ctx := p.ctx
	if ctx == nil || ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.Capture(ctx, kind)
	}()
}

// Start runs the start capture and the regular cadence until Stop or ctx is
// done. Regular slots fall at startedAt plus whole intervals, so a resumed
// exam keeps its schedule and skips the slots already behind it.
func (p *Pipeline) Start(ctx context.Context, startedAt time.Time, examDuration time.Duration) {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	ctx = p.ctx
	p.wg.Add(1)
	p.mu.Unlock()

	if startedAt.IsZero() {
		startedAt = p.clock.Now()
	}
	go func() {
		defer p.wg.Done()
		p.captureStart(ctx)
		p.cadence(ctx, startedAt, p.Interval(examDuration))
	}()
}

func (p *Pipeline) captureStart(ctx context.Context) {
	for attempt := 1; attempt <= p.cfg.StartRetries; attempt++ {
		if _, ok := p.source.Latest(); ok {
			p.Capture(ctx, model.SnapshotExamStart)
			return
		}
		if err := p.sleep(ctx, p.cfg.StartRetryDelay); err != nil {
			return
		}
	}
	p.log.Warn().Err(errNoFrame).Int("attempts", p.cfg.StartRetries).Msg("Skipping exam start snapshot")
}

func (p *Pipeline) cadence(ctx context.Context, startedAt time.Time, interval time.Duration) {
	if interval <= 0 {
		return
	}
	slot := 1
	if elapsed := p.clock.Now().Sub(startedAt); elapsed > 0 {
		slot = int(elapsed/interval) + 1
	}

	for ; slot <= p.cfg.Snapshots; slot++ {
		due := startedAt.Add(time.Duration(slot) * interval)
		if wait := due.Sub(p.clock.Now()); wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		p.Capture(ctx, model.SnapshotRegularInterval)
	}
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) error {
	t := p.clock.NewTicker(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// Stop cancels pending captures and waits for in-flight ones.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Encode decodes a device frame, shrinks it to fit the bounds and re-encodes
// it as JPEG.
func Encode(f media.Frame, maxW, maxH, quality int) ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, errNoFrame
	}
	img, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
