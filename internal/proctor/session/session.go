// Package session is the proctored exam state machine. A Session owns the
// taker's answers, navigation, clock and device resources, and is the only
// writer the integrity monitor and snapshot pipeline report into.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/answer"
	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/media"
	"github.com/stemsi/exstem-proctor/internal/proctor/snapshot"
	"github.com/stemsi/exstem-proctor/internal/proctor/timing"
)

// activation holds everything installed for one active phase.
type activation struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Session is one taker's run through one exam.
type Session struct {
	cfg   Config
	deps  Deps
	clock timing.Clock
	log   zerolog.Logger

	mu           sync.Mutex
	loaded       bool
	closed       bool
	exam         *model.ExamConfiguration
	questions    []model.ExamQuestion
	byID         map[uuid.UUID]int
	phase        Phase
	current      int
	answers      map[uuid.UUID]answer.Value
	flagged      map[uuid.UUID]bool
	startedAt    *time.Time
	endedAt      *time.Time
	enrollment   *model.EnrollmentContext
	checks       *CapabilityReport
	accepted     bool
	summary      *Summary
	polledHidden bool
	act          *activation

	submitting atomic.Bool
	starting   atomic.Bool
	bg         sync.WaitGroup

	autoMu  sync.Mutex
	pending []SubmitReason

	stream     *media.Stream
	monitor    *integrity.Monitor
	reporter   *integrity.Reporter
	pipeline   *snapshot.Pipeline
	countdown  *timing.Countdown
	persist    *answerQueue
	visibility *integrity.VisibilityDetector
	fullscreen *integrity.FullscreenDetector
	guard      *integrity.InputGuard
}

// New creates an unloaded session. Call Load before anything else.
func New(cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = timing.SystemClock{}
	}
	log := deps.Log.With().Str("component", "exam_session").Str("exam_id", cfg.ExamID.String()).Logger()

	s := &Session{
		cfg:        cfg,
		deps:       deps,
		clock:      clock,
		log:        log,
		phase:      PhaseSetup,
		answers:    make(map[uuid.UUID]answer.Value),
		flagged:    make(map[uuid.UUID]bool),
		byID:       make(map[uuid.UUID]int),
		stream:     media.NewStream(),
		visibility: &integrity.VisibilityDetector{},
		fullscreen: &integrity.FullscreenDetector{},
	}
	s.guard = integrity.NewInputGuard(s.fullscreen.IsFullscreen)

	var sink integrity.PatchSink
	if deps.Monitoring != nil {
		s.reporter = integrity.NewReporter(deps.Monitoring, log)
		sink = s.reporter
	}
	s.monitor = integrity.NewMonitor(cfg.Integrity, clock, notifier{s}, sink, log)
	s.monitor.OnEscalate(func(int) { s.goSubmit(ReasonIntegrity) })

	if deps.Uploader != nil {
		s.pipeline = snapshot.New(cfg.Snapshot, s.stream, deps.Uploader, s.monitor, clock, log)
		s.monitor.SetSnapshotTrigger(s.pipeline)
	}
	s.persist = newAnswerQueue(deps.Exams, cfg.ExamID, cfg.CallTimeout, log)
	return s
}

// ─── Views ─────────────────────────────────────────────────────────────────

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Remaining returns the seconds left, or zero before the exam has started.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

func (s *Session) remainingLocked() int {
	if s.exam == nil {
		return 0
	}
	if s.startedAt == nil {
		return s.exam.DurationSeconds()
	}
	return timing.RemainingSeconds(s.exam.DurationMinutes, *s.startedAt, s.clock.Now())
}

// Monitor exposes the integrity monitor for inspection.
func (s *Session) Monitor() *integrity.Monitor { return s.monitor }

// Stream exposes the session's media stream.
func (s *Session) Stream() media.FrameSource { return s.stream }

// Answer returns the display value held for a question.
func (s *Session) Answer(questionID uuid.UUID) (answer.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.answers[questionID]
	return v, ok
}

// Questions returns a copy of the loaded questions.
func (s *Session) Questions() []model.ExamQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExamQuestion, len(s.questions))
	copy(out, s.questions)
	for i := range out {
		out[i].Flagged = s.flagged[out[i].ID]
	}
	return out
}

// View returns a snapshot of the session state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		Phase:          s.phase,
		CurrentIndex:   s.current,
		TotalQuestions: len(s.questions),
		Remaining:      s.remainingLocked(),
		Answers:        make(map[uuid.UUID]answer.Value, len(s.answers)),
		Flagged:        make([]uuid.UUID, 0, len(s.flagged)),
		Counters:       s.monitor.Counters(),
		Threshold:      s.monitor.Threshold(),
		Accepted:       s.accepted,
	}
	if s.exam != nil {
		exam := *s.exam
		exam.Questions = nil
		v.Exam = &exam
	}
	if s.current >= 0 && s.current < len(s.questions) {
		q := s.questions[s.current]
		q.Flagged = s.flagged[q.ID]
		q.Key = nil
		v.Question = &q
	}
	for id, a := range s.answers {
		v.Answers[id] = a
	}
	for _, q := range s.questions {
		if s.flagged[q.ID] {
			v.Flagged = append(v.Flagged, q.ID)
		}
	}
	if s.startedAt != nil {
		t := *s.startedAt
		v.StartedAt = &t
	}
	if s.endedAt != nil {
		t := *s.endedAt
		v.EndedAt = &t
	}
	if s.enrollment != nil {
		id := s.enrollment.EnrollmentID
		v.EnrollmentID = &id
	}
	if s.checks != nil {
		c := *s.checks
		v.Checks = &c
	}
	return v
}

// Summary returns the results summary once available.
func (s *Session) Summary() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return Summary{}, false
	}
	return *s.summary, true
}

func (s *Session) publish() {
	if s.deps.UI == nil {
		return
	}
	s.deps.UI.State(s.View())
}

func (s *Session) fail(kind ErrorKind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	if s.deps.UI != nil {
		s.deps.UI.Error(e)
	}
	return e
}

func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

// ─── Setup and instructions ────────────────────────────────────────────────

// RunSystemCheck evaluates the device report. Passing moves the session to
// instructions; failing leaves it in setup so the check can be repeated.
func (s *Session) RunSystemCheck(report CapabilityReport) ([]string, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if s.phase != PhaseSetup {
		s.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	s.checks = &report
	missing := report.Missing(s.exam.Proctoring)
	if len(missing) == 0 {
		s.phase = PhaseInstructions
	}
	s.mu.Unlock()

	if len(missing) > 0 {
		s.log.Info().Strs("missing", missing).Msg("System check failed")
		s.publish()
		return missing, fmt.Errorf("%w: %v", ErrChecksFailed, missing)
	}
	s.log.Info().Msg("System check passed")
	s.publish()
	return nil, nil
}

// BackToSetup returns from instructions to setup.
func (s *Session) BackToSetup() error {
	s.mu.Lock()
	if !CanTransition(s.phase, PhaseSetup) {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	s.phase = PhaseSetup
	s.accepted = false
	s.mu.Unlock()

	s.publish()
	return nil
}

// AcceptInstructions records the mandatory agreement.
func (s *Session) AcceptInstructions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseInstructions {
		return ErrInvalidPhase
	}
	s.accepted = true
	return nil
}

// CapturePreExamPhoto uploads a best-effort identity photo. It does not touch
// the monitoring record.
func (s *Session) CapturePreExamPhoto(ctx context.Context, frame media.Frame) (uuid.UUID, error) {
	if s.Phase() != PhaseInstructions {
		return uuid.Nil, ErrInvalidPhase
	}
	if s.deps.Uploader == nil || len(frame.Data) == 0 {
		return uuid.Nil, ErrNoFrame
	}
	sc := s.cfg.Snapshot.WithDefaults()
	data, err := snapshot.Encode(frame, sc.MaxWidth, sc.MaxHeight, sc.Quality)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode photo: %w", err)
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	id, err := s.deps.Uploader.UploadMedia(ctx, data, snapshot.ContentType)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to upload pre-exam photo")
		return uuid.Nil, fmt.Errorf("upload photo: %w", err)
	}
	return id, nil
}

// MicrophoneLevelFloor is the level a microphone self-test must reach.
const MicrophoneLevelFloor = 0.01

// MicrophoneTest reports the chunk's level and whether the microphone is
// picking anything up.
func (s *Session) MicrophoneTest(chunk media.AudioChunk) (float64, bool) {
	level := integrity.RMS(chunk.Samples)
	return level, level >= MicrophoneLevelFloor
}

// ─── Start and activation ──────────────────────────────────────────────────

// Start calls the backend start-or-resume operation and enters the active
// phase. Failure leaves the session in instructions.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case !s.loaded:
		s.mu.Unlock()
		return ErrNotLoaded
	case s.phase != PhaseInstructions:
		s.mu.Unlock()
		return ErrInvalidPhase
	case !s.accepted:
		s.mu.Unlock()
		return ErrNotAccepted
	}
	s.mu.Unlock()

	if !s.starting.CompareAndSwap(false, true) {
		return ErrStartInProgress
	}
	defer s.starting.Store(false)

	callCtx, cancel := s.callCtx(ctx)
	res, err := s.deps.Exams.StartExam(callCtx, s.cfg.ExamID)
	cancel()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to start exam")
		return s.fail(ErrorStart, err)
	}

	s.mu.Lock()
	if s.phase != PhaseInstructions || s.closed {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	startedAt := res.StartedAt
	s.startedAt = &startedAt
	s.enrollment = &model.EnrollmentContext{
		EnrollmentID:      res.EnrollmentID,
		MonitoringEnabled: s.exam.MonitoringEnabled,
	}
	s.phase = PhaseActive
	s.current = 0
	enrollment := *s.enrollment
	s.mu.Unlock()

	s.log.Info().
		Str("enrollment_id", res.EnrollmentID.String()).
		Time("started_at", startedAt).
		Msg("Exam started")

	s.monitor.SetEnrollment(enrollment)
	s.seedCounters(ctx, enrollment)
	s.activate()
	s.publish()
	return nil
}

func (s *Session) seedCounters(ctx context.Context, ec model.EnrollmentContext) {
	if s.deps.Monitoring == nil || !ec.MonitoringEnabled {
		return
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	counters, err := s.deps.Monitoring.GetMonitoring(ctx, ec.EnrollmentID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to fetch monitoring record, counters start from local values")
		return
	}
	s.monitor.Seed(counters)
}

// activate installs the active-phase machinery. The caller has already moved
// the phase to active.
func (s *Session) activate() {
	s.mu.Lock()
	if s.act != nil || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	act := &activation{ctx: ctx, cancel: cancel}
	s.act = act
	exam := *s.exam
	startedAt := *s.startedAt
	s.mu.Unlock()

	s.persist.start()
	if s.reporter != nil {
		s.reporter.Start()
	}

	s.countdown = &timing.Countdown{
		DurationMinutes: exam.DurationMinutes,
		StartedAt:       startedAt,
		Clock:           s.clock,
		TickInterval:    s.cfg.TickInterval,
		OnTick: func(remaining int) {
			if s.deps.UI != nil {
				s.deps.UI.Tick(remaining)
			}
		},
		OnExpire: func() { s.goSubmit(ReasonTimeUp) },
	}
	s.countdown.Start(ctx)

	s.installDetectors(ctx, exam)

	act.wg.Add(1)
	go func() {
		defer act.wg.Done()
		s.acquireDevices(ctx, exam, startedAt)
	}()
}

func (s *Session) installDetectors(ctx context.Context, exam model.ExamConfiguration) {
	p := exam.Proctoring
	if p.TabSwitchDetection {
		s.monitor.Add(ctx, s.visibility)
		s.monitor.Add(ctx, &integrity.VisibilityPoller{
			Probe:    probe{s},
			Interval: s.cfg.VisibilityPoll,
			Clock:    s.clock,
		})
	}
	s.monitor.Add(ctx, s.fullscreen)
	s.monitor.Add(ctx, s.guard)

	if exam.MonitoringEnabled && p.CameraRequired {
		s.monitor.Add(ctx, &integrity.FaceDetector{
			Source:   s.stream,
			Counter:  s.deps.FaceCounter,
			Interval: s.cfg.FaceInterval,
			Clock:    s.clock,
		})
	}
	if exam.MonitoringEnabled && p.MicrophoneRequired {
		s.monitor.Add(ctx, &integrity.VoiceDetector{
			Source:    s.stream,
			Threshold: s.cfg.VoiceThreshold,
		})
	}
	s.monitor.Start(ctx)
}

// acquireDevices opens media, waits for it to settle, then requests
// fullscreen and starts evidence capture.
func (s *Session) acquireDevices(ctx context.Context, exam model.ExamConfiguration, startedAt time.Time) {
	p := exam.Proctoring
	platform := s.deps.Platform

	if p.CameraRequired || p.MicrophoneRequired {
		if platform != nil {
			if err := platform.AcquireMedia(ctx, p.CameraRequired, p.MicrophoneRequired); err != nil {
				s.log.Warn().Err(err).Msg("Media acquisition failed")
			} else if err := s.stream.Activate(); err != nil {
				return
			}
		}
		if err := sleep(ctx, s.clock, s.cfg.MediaSettle); err != nil {
			return
		}
	}

	if platform != nil {
		if err := platform.RequestFullscreen(); err != nil {
			s.log.Warn().Err(err).Msg("Fullscreen request failed")
		}
	}

	if s.pipeline != nil && exam.MonitoringEnabled && p.CameraRequired {
		s.pipeline.Start(ctx, startedAt, time.Duration(exam.DurationMinutes)*time.Minute)
	}
}

func sleep(ctx context.Context, clock timing.Clock, d time.Duration) error {
	t := clock.NewTicker(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// teardown removes everything activate installed and releases the device.
// It must be called without holding mu and never from a detector or tick
// goroutine.
func (s *Session) teardown() {
	s.mu.Lock()
	act := s.act
	s.mu.Unlock()

	if act == nil {
		s.releaseDevices()
		return
	}
	act.once.Do(func() {
		act.cancel()
		if s.countdown != nil {
			s.countdown.Stop()
		}
		s.monitor.Stop()
		if s.pipeline != nil {
			s.pipeline.Stop()
		}
		act.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		defer cancel()
		if err := s.persist.close(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Answer queue did not drain")
		}
		if s.reporter != nil {
			if err := s.reporter.Close(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Monitoring reporter did not drain")
			}
		}
		s.releaseDevices()
		s.log.Info().Msg("Active phase torn down")
	})
}

func (s *Session) releaseDevices() {
	s.stream.Close()
	if s.deps.Platform != nil {
		s.deps.Platform.ReleaseMedia()
		s.deps.Platform.ExitFullscreen()
	}
}

// ─── Active phase ──────────────────────────────────────────────────────────

func (s *Session) activeLocked() error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if s.phase != PhaseActive {
		return ErrInvalidPhase
	}
	return nil
}

// Navigate moves to question i.
func (s *Session) Navigate(i int) error {
	s.mu.Lock()
	if err := s.activeLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if i < 0 || i >= len(s.questions) {
		s.mu.Unlock()
		return ErrOutOfRange
	}
	if i < s.current && !s.exam.AllowBackNavigation {
		s.mu.Unlock()
		return ErrNavigationBlocked
	}
	s.current = i
	s.mu.Unlock()

	s.publish()
	return nil
}

// Next moves forward one question.
func (s *Session) Next() error {
	s.mu.Lock()
	i := s.current + 1
	s.mu.Unlock()
	return s.Navigate(i)
}

// Previous moves back one question.
func (s *Session) Previous() error {
	s.mu.Lock()
	i := s.current - 1
	s.mu.Unlock()
	return s.Navigate(i)
}

// ToggleFlag flips the review flag of a question and returns the new state.
func (s *Session) ToggleFlag(questionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	if err := s.activeLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if _, ok := s.byID[questionID]; !ok {
		s.mu.Unlock()
		return false, ErrUnknownQuestion
	}
	flagged := !s.flagged[questionID]
	if flagged {
		s.flagged[questionID] = true
	} else {
		delete(s.flagged, questionID)
	}
	s.mu.Unlock()

	s.publish()
	return flagged, nil
}

// SetAnswer records a display value locally and queues its persistence. A
// deselect value removes the local answer and queues a delete.
func (s *Session) SetAnswer(questionID uuid.UUID, v answer.Value) error {
	s.mu.Lock()
	if err := s.activeLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	idx, ok := s.byID[questionID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownQuestion
	}
	q := s.questions[idx]

	op := persistOp{questionID: questionID}
	stored, err := answer.ToStorage(q, v)
	switch {
	case errors.Is(err, answer.ErrEmptyAnswer):
		op.remove = true
		delete(s.answers, questionID)
	case err != nil:
		s.mu.Unlock()
		return err
	default:
		op.stored = stored
		s.answers[questionID] = v
	}
	s.mu.Unlock()

	s.persist.put(op)
	return nil
}

// SetAnswerInput parses raw UI input for a question and records it.
func (s *Session) SetAnswerInput(questionID uuid.UUID, input []byte) error {
	s.mu.Lock()
	idx, ok := s.byID[questionID]
	var q model.ExamQuestion
	if ok {
		q = s.questions[idx]
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownQuestion
	}

	v, err := answer.Parse(q, input)
	if err != nil {
		return err
	}
	return s.SetAnswer(questionID, v)
}

// ─── Submit ────────────────────────────────────────────────────────────────

// goSubmit runs an automatic submit outside the calling detector or tick
// goroutine, so teardown can wait for them.
func (s *Session) goSubmit(reason SubmitReason) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		s.log.Warn().Str("reason", string(reason)).Msg("Auto-submitting exam")
		err := s.Submit(context.Background(), reason)
		switch {
		case err == nil, errors.Is(err, ErrAlreadySubmitted):
			return
		case errors.Is(err, ErrSubmitInProgress):
			s.deferAuto(reason)
			return
		}
		switch reason {
		case ReasonTimeUp:
			if s.countdown != nil {
				s.countdown.Rearm()
			}
		case ReasonIntegrity:
			s.monitor.Rearm()
		}
	}()
}

// deferAuto parks an automatic submit that lost the race to another submit.
// It is replayed if that submit fails.
func (s *Session) deferAuto(reason SubmitReason) {
	s.autoMu.Lock()
	if !slices.Contains(s.pending, reason) {
		s.pending = append(s.pending, reason)
	}
	s.autoMu.Unlock()

	// The other submit may have finished before the reason was parked.
	if !s.submitting.Load() {
		s.replayAuto(false)
	}
}

// replayAuto drains the parked automatic submits and reruns them unless the
// exam has been submitted.
func (s *Session) replayAuto(submitted bool) {
	s.autoMu.Lock()
	reasons := s.pending
	s.pending = nil
	s.autoMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if submitted || closed {
		return
	}
	for _, reason := range reasons {
		s.log.Info().Str("reason", string(reason)).Msg("Retrying deferred auto-submit")
		s.goSubmit(reason)
	}
}

// Submit ends the exam. Only one submit runs at a time; a failed submit
// leaves the session active so it can be retried.
func (s *Session) Submit(ctx context.Context, reason SubmitReason) (err error) {
	if !s.submitting.CompareAndSwap(false, true) {
		return ErrSubmitInProgress
	}
	defer func() {
		s.submitting.Store(false)
		s.replayAuto(err == nil || errors.Is(err, ErrAlreadySubmitted))
	}()

	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	if s.phase == PhaseSubmitted || s.phase == PhaseResults {
		s.mu.Unlock()
		return ErrAlreadySubmitted
	}
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return ErrInvalidPhase
	}
	s.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	if err := s.persist.flush(flushCtx); err != nil {
		s.log.Warn().Err(err).Msg("Submitting before all answers were persisted")
	}
	cancel()

	callCtx, cancel := s.callCtx(ctx)
	res, err := s.deps.Exams.SubmitExam(callCtx, s.cfg.ExamID)
	cancel()
	if err != nil {
		s.log.Error().Err(err).Str("reason", string(reason)).Msg("Failed to submit exam")
		return s.fail(ErrorSubmit, err)
	}

	s.mu.Lock()
	ended := s.clock.Now()
	if !res.FinishedAt.IsZero() {
		ended = res.FinishedAt
	}
	s.endedAt = &ended
	s.phase = PhaseSubmitted
	s.mu.Unlock()

	s.log.Info().Str("reason", string(reason)).Msg("Exam submitted")
	s.publish()
	s.teardown()

	summary := s.buildSummary(ctx, reason, res.Score)

	s.mu.Lock()
	s.summary = &summary
	s.phase = PhaseResults
	s.mu.Unlock()

	s.publish()
	if s.deps.UI != nil {
		s.deps.UI.Results(summary)
	}
	return nil
}

// buildSummary counts attempts from persisted submissions, falling back to
// the local answers when they cannot be fetched.
func (s *Session) buildSummary(ctx context.Context, reason SubmitReason, score *float64) Summary {
	callCtx, cancel := s.callCtx(ctx)
	state, err := s.deps.Exams.GetSubmissions(callCtx, s.cfg.ExamID)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []model.Submission
	unverified := false
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to fetch submissions, summary uses local answers")
		subs = s.localSubmissionsLocked()
		unverified = true
	} else {
		subs = state.Submissions
	}
	sum := summarize(s.questions, subs, s.flagged, s.exam.PassingScore, score)
	sum.Reason = reason
	sum.Unverified = unverified
	sum.Counters = s.monitor.Counters()
	if s.endedAt != nil {
		t := *s.endedAt
		sum.EndedAt = &t
	}
	return sum
}

func (s *Session) localSubmissionsLocked() []model.Submission {
	subs := make([]model.Submission, 0, len(s.answers))
	for id, v := range s.answers {
		idx, ok := s.byID[id]
		if !ok {
			continue
		}
		stored, err := answer.ToStorage(s.questions[idx], v)
		if err != nil {
			continue
		}
		subs = append(subs, model.Submission{QuestionID: id, Answer: stored})
	}
	sort.Slice(subs, func(i, j int) bool { return s.byID[subs[i].QuestionID] < s.byID[subs[j].QuestionID] })
	return subs
}

// summarize is the local scoring pass. Only questions carrying a key are
// scored; the backend score stays authoritative.
func summarize(questions []model.ExamQuestion, subs []model.Submission, flagged map[uuid.UUID]bool, passing float64, score *float64) Summary {
	stored := make(map[uuid.UUID]model.Submission, len(subs))
	for _, sub := range subs {
		stored[sub.QuestionID] = sub
	}

	sum := Summary{TotalQuestions: len(questions), PassingScore: passing, Score: score}
	var keyed, earned float64
	for _, q := range questions {
		if flagged[q.ID] {
			sum.Flagged++
		}
		sub, ok := stored[q.ID]
		if ok {
			_, ok = answer.ToDisplay(q, sub.Answer)
		}
		if ok {
			sum.Attempted++
		}
		if len(q.Key) == 0 {
			continue
		}
		keyed += q.Points
		if ok && answer.Matches(q, sub.Answer, q.Key) {
			earned += q.Points
		}
	}
	sum.Skipped = sum.TotalQuestions - sum.Attempted

	if keyed > 0 {
		local := earned / keyed * 100
		sum.LocalScore = &local
	}
	if score != nil {
		passed := *score >= passing
		sum.Passed = &passed
	}
	return sum
}

// ─── Lifecycle ─────────────────────────────────────────────────────────────

// Close releases every resource the session holds. It is safe to call more
// than once and from any phase.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.teardown()
	s.bg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	_ = s.persist.close(ctx)
	if s.reporter != nil {
		_ = s.reporter.Close(ctx)
	}
	s.log.Debug().Msg("Session closed")
}

// ─── Integrity wiring ──────────────────────────────────────────────────────

// notifier routes monitor decisions to the UI and the device.
type notifier struct{ s *Session }

func (n notifier) Warn(violations, remaining int) {
	if n.s.deps.UI != nil {
		n.s.deps.UI.Warn(violations, remaining)
	}
}

func (n notifier) Banner(kind integrity.Kind, message string) {
	if n.s.deps.UI != nil {
		n.s.deps.UI.Banner(kind, message)
	}
}

func (n notifier) FullscreenPrompt() {
	if n.s.deps.UI != nil {
		n.s.deps.UI.FullscreenPrompt()
	}
}

func (n notifier) Refocus() {
	p := n.s.deps.Platform
	if p == nil {
		return
	}
	p.Refocus()
	if err := p.RequestFullscreen(); err != nil {
		n.s.log.Debug().Err(err).Msg("Fullscreen re-entry failed")
	}
}

// probe exposes the polled page visibility to the secondary detector.
type probe struct{ s *Session }

func (p probe) Hidden() bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.polledHidden
}
