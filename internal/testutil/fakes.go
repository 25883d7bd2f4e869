// Package testutil holds fakes of the session collaborators and a manual
// clock shared by the engine tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/session"
)

// ErrUnavailable is a generic collaborator failure.
var ErrUnavailable = errors.New("service unavailable")

// ─── Exam service ──────────────────────────────────────────────────────────

// SaveCall records one SaveAnswer request.
type SaveCall struct {
	QuestionID uuid.UUID
	Answer     json.RawMessage
}

// FakeExams is an in-memory exam and enrollment service.
type FakeExams struct {
	mu sync.Mutex

	Exam         model.ExamConfiguration
	Questions    []model.ExamQuestion
	Status       model.EnrollmentStatus
	StartedAt    *time.Time
	EnrollmentID uuid.UUID
	Stored       map[uuid.UUID]json.RawMessage
	Score        *float64
	Now          func() time.Time
	// HidePaging leaves Total and HasMore unset on question pages.
	HidePaging bool

	ExamErr        error
	QuestionsErr   error
	StartErr       error
	SubmissionsErr error
	SaveErr        error
	DeleteErr      error
	SubmitErr      error

	// SubmitGate, when set, blocks SubmitExam until it is closed.
	SubmitGate chan struct{}

	Calls       []string
	Saves       []SaveCall
	Deletes     []uuid.UUID
	PageCalls   []int
	StartCalls  int
	SubmitCalls int
}

// NewFakeExams builds a service holding the given exam and questions.
func NewFakeExams(exam model.ExamConfiguration, questions []model.ExamQuestion) *FakeExams {
	return &FakeExams{
		Exam:         exam,
		Questions:    questions,
		Status:       model.EnrollmentNotStarted,
		EnrollmentID: uuid.New(),
		Stored:       make(map[uuid.UUID]json.RawMessage),
		Now:          time.Now,
	}
}

// Resume marks the enrollment as ongoing since startedAt.
func (f *FakeExams) Resume(startedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status = model.EnrollmentOngoing
	f.StartedAt = &startedAt
}

// Store seeds a persisted answer.
func (f *FakeExams) Store(questionID uuid.UUID, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stored[questionID] = json.RawMessage(raw)
}

// Set runs fn with the service locked, for changing fields mid-test.
func (f *FakeExams) Set(fn func(f *FakeExams)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Snapshot returns copies of the recorded calls.
func (f *FakeExams) Snapshot() (saves []SaveCall, deletes []uuid.UUID, calls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SaveCall(nil), f.Saves...), append([]uuid.UUID(nil), f.Deletes...), append([]string(nil), f.Calls...)
}

// SubmitCount returns how many times SubmitExam was called.
func (f *FakeExams) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SubmitCalls
}

// StoredAnswer returns the persisted answer for a question.
func (f *FakeExams) StoredAnswer(questionID uuid.UUID) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.Stored[questionID]
	return raw, ok
}

func (f *FakeExams) GetExamByID(_ context.Context, examID uuid.UUID) (model.ExamConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "GetExamByID")
	if f.ExamErr != nil {
		return model.ExamConfiguration{}, f.ExamErr
	}
	exam := f.Exam
	exam.Questions = nil
	exam.ID = examID
	return exam, nil
}

func (f *FakeExams) GetQuestions(_ context.Context, _ uuid.UUID, page, pageSize int) (model.QuestionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "GetQuestions")
	f.PageCalls = append(f.PageCalls, page)
	if f.QuestionsErr != nil {
		return model.QuestionPage{}, f.QuestionsErr
	}

	start := (page - 1) * pageSize
	end := min(start+pageSize, len(f.Questions))
	var qs []model.ExamQuestion
	if start < len(f.Questions) {
		qs = make([]model.ExamQuestion, end-start)
		copy(qs, f.Questions[start:end])
	}
	p := model.QuestionPage{Questions: qs, Page: page, PageSize: pageSize}
	if !f.HidePaging {
		p.Total = len(f.Questions)
		p.HasMore = end < len(f.Questions)
	}
	return p, nil
}

func (f *FakeExams) StartExam(_ context.Context, _ uuid.UUID) (model.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "StartExam")
	f.StartCalls++
	if f.StartErr != nil {
		return model.StartResult{}, f.StartErr
	}
	if f.StartedAt == nil {
		now := f.Now()
		f.StartedAt = &now
	}
	f.Status = model.EnrollmentOngoing
	return model.StartResult{EnrollmentID: f.EnrollmentID, StartedAt: *f.StartedAt}, nil
}

func (f *FakeExams) GetSubmissions(_ context.Context, _ uuid.UUID) (model.SubmissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "GetSubmissions")
	if f.SubmissionsErr != nil {
		return model.SubmissionState{}, f.SubmissionsErr
	}

	state := model.SubmissionState{EnrollmentStatus: f.Status, StartedAt: f.StartedAt}
	if f.Status != model.EnrollmentNotStarted {
		id := f.EnrollmentID
		state.EnrollmentID = &id
	}
	seen := make(map[uuid.UUID]bool, len(f.Stored))
	for _, q := range f.Questions {
		if raw, ok := f.Stored[q.ID]; ok {
			state.Submissions = append(state.Submissions, model.Submission{QuestionID: q.ID, Answer: raw})
			seen[q.ID] = true
		}
	}
	for id, raw := range f.Stored {
		if !seen[id] {
			state.Submissions = append(state.Submissions, model.Submission{QuestionID: id, Answer: raw})
		}
	}
	return state, nil
}

func (f *FakeExams) SaveAnswer(_ context.Context, _, questionID uuid.UUID, answer json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "SaveAnswer")
	f.Saves = append(f.Saves, SaveCall{QuestionID: questionID, Answer: answer})
	if f.SaveErr != nil {
		return f.SaveErr
	}
	f.Stored[questionID] = answer
	return nil
}

func (f *FakeExams) DeleteAnswer(_ context.Context, _, questionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "DeleteAnswer")
	f.Deletes = append(f.Deletes, questionID)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.Stored, questionID)
	return nil
}

func (f *FakeExams) SubmitExam(ctx context.Context, _ uuid.UUID) (model.SubmitResult, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, "SubmitExam")
	f.SubmitCalls++
	gate := f.SubmitGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.SubmitResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return model.SubmitResult{}, f.SubmitErr
	}
	f.Status = model.EnrollmentCompleted
	return model.SubmitResult{EnrollmentID: f.EnrollmentID, Score: f.Score, FinishedAt: f.Now()}, nil
}

// ─── Monitoring service ────────────────────────────────────────────────────

// FakeMonitoring stores records with plain partial-patch semantics: present
// fields overwrite, omitted fields are kept. It does not protect against a
// caller sending stale counters.
type FakeMonitoring struct {
	mu        sync.Mutex
	Records   map[uuid.UUID]model.IntegrityCounters
	Snapshots map[uuid.UUID][]model.MonitoringSnapshot
	Patches   []model.MonitoringPatch
	Err       error
	GetErr    error
	// Delay is applied to every update before it is stored.
	Delay time.Duration
}

// NewFakeMonitoring returns an empty monitoring service.
func NewFakeMonitoring() *FakeMonitoring {
	return &FakeMonitoring{
		Records:   make(map[uuid.UUID]model.IntegrityCounters),
		Snapshots: make(map[uuid.UUID][]model.MonitoringSnapshot),
	}
}

// Seed sets a stored record.
func (f *FakeMonitoring) Seed(enrollmentID uuid.UUID, c model.IntegrityCounters) {
	f.mu.Lock()
	f.Records[enrollmentID] = c
	f.mu.Unlock()
}

// Record returns the stored counters.
func (f *FakeMonitoring) Record(enrollmentID uuid.UUID) model.IntegrityCounters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Records[enrollmentID]
}

// SnapshotsOf returns the snapshot links stored for an enrollment.
func (f *FakeMonitoring) SnapshotsOf(enrollmentID uuid.UUID) []model.MonitoringSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MonitoringSnapshot(nil), f.Snapshots[enrollmentID]...)
}

// PatchLog returns a copy of every patch received.
func (f *FakeMonitoring) PatchLog() []model.MonitoringPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.MonitoringPatch(nil), f.Patches...)
}

func (f *FakeMonitoring) UpdateMonitoring(ctx context.Context, p model.MonitoringPatch) error {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Patches = append(f.Patches, p)
	if f.Err != nil {
		return f.Err
	}
	f.Records[p.EnrollmentID] = p.Apply(f.Records[p.EnrollmentID])
	if p.HasSnapshot() {
		f.Snapshots[p.EnrollmentID] = append(f.Snapshots[p.EnrollmentID], model.MonitoringSnapshot{
			MediaID:   *p.SnapshotMediaID,
			Kind:      *p.SnapshotType,
			CreatedAt: time.Now(),
		})
	}
	return nil
}

func (f *FakeMonitoring) GetMonitoring(_ context.Context, enrollmentID uuid.UUID) (model.IntegrityCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return model.IntegrityCounters{}, f.GetErr
	}
	return f.Records[enrollmentID], nil
}

// ─── Media service ─────────────────────────────────────────────────────────

// FakeUploader keeps uploaded blobs in memory.
type FakeUploader struct {
	mu      sync.Mutex
	Uploads map[uuid.UUID][]byte
	Types   map[uuid.UUID]string
	Err     error
}

// NewFakeUploader returns an empty uploader.
func NewFakeUploader() *FakeUploader {
	return &FakeUploader{Uploads: make(map[uuid.UUID][]byte), Types: make(map[uuid.UUID]string)}
}

func (f *FakeUploader) UploadMedia(_ context.Context, data []byte, contentType string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return uuid.Nil, f.Err
	}
	id := uuid.New()
	f.Uploads[id] = append([]byte(nil), data...)
	f.Types[id] = contentType
	return id, nil
}

// Count returns the number of stored uploads.
func (f *FakeUploader) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Uploads)
}

// ─── Device ────────────────────────────────────────────────────────────────

// FakePlatform counts device commands.
type FakePlatform struct {
	mu            sync.Mutex
	AcquireErr    error
	FullscreenErr error
	Acquired      int
	Released      int
	Fullscreens   int
	Exits         int
	Refocuses     int
	Order         []string
}

func (p *FakePlatform) record(name string) {
	p.Order = append(p.Order, name)
}

func (p *FakePlatform) AcquireMedia(_ context.Context, _, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("acquire")
	p.Acquired++
	return p.AcquireErr
}

func (p *FakePlatform) ReleaseMedia() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("release")
	p.Released++
}

func (p *FakePlatform) RequestFullscreen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("fullscreen")
	p.Fullscreens++
	return p.FullscreenErr
}

func (p *FakePlatform) ExitFullscreen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("exit_fullscreen")
	p.Exits++
}

func (p *FakePlatform) Refocus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("refocus")
	p.Refocuses++
}

// Counts returns acquired, released, fullscreen requests and exits.
func (p *FakePlatform) Counts() (acquired, released, fullscreens, exits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Acquired, p.Released, p.Fullscreens, p.Exits
}

// Commands returns the device commands in the order they were issued.
func (p *FakePlatform) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Order...)
}

// ─── UI ────────────────────────────────────────────────────────────────────

// Warning is one Warn call.
type Warning struct {
	Violations int
	Remaining  int
}

// RecordingUI captures everything the session presents.
type RecordingUI struct {
	mu       sync.Mutex
	States   []session.View
	Ticks    []int
	Warnings []Warning
	Banners  []integrity.Kind
	Prompts  int
	Errors   []*session.Error
	Summary  []session.Summary
}

func (u *RecordingUI) State(v session.View) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.States = append(u.States, v)
}

func (u *RecordingUI) Tick(remaining int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Ticks = append(u.Ticks, remaining)
}

func (u *RecordingUI) Warn(violations, remaining int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Warnings = append(u.Warnings, Warning{Violations: violations, Remaining: remaining})
}

func (u *RecordingUI) Banner(kind integrity.Kind, _ string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Banners = append(u.Banners, kind)
}

func (u *RecordingUI) FullscreenPrompt() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Prompts++
}

func (u *RecordingUI) Error(err *session.Error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Errors = append(u.Errors, err)
}

func (u *RecordingUI) Results(s session.Summary) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Summary = append(u.Summary, s)
}

// WarningLog returns a copy of the warnings.
func (u *RecordingUI) WarningLog() []Warning {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Warning(nil), u.Warnings...)
}

// ErrorLog returns a copy of the surfaced errors.
func (u *RecordingUI) ErrorLog() []*session.Error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*session.Error(nil), u.Errors...)
}

// BannerLog returns a copy of the banners.
func (u *RecordingUI) BannerLog() []integrity.Kind {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]integrity.Kind(nil), u.Banners...)
}

// PromptCount returns the number of fullscreen prompts.
func (u *RecordingUI) PromptCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Prompts
}

// LastTick returns the most recent tick, -1 if none.
func (u *RecordingUI) LastTick() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.Ticks) == 0 {
		return -1
	}
	return u.Ticks[len(u.Ticks)-1]
}

// ResultCount returns the number of Results calls.
func (u *RecordingUI) ResultCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.Summary)
}

// ─── Combined backend ──────────────────────────────────────────────────────

// Backend bundles the fakes into one per-student backend.
type Backend struct {
	*FakeExams
	*FakeMonitoring
	*FakeUploader
}

// NewBackend builds a backend over fresh fakes.
func NewBackend(exam model.ExamConfiguration, questions []model.ExamQuestion) *Backend {
	return &Backend{
		FakeExams:      NewFakeExams(exam, questions),
		FakeMonitoring: NewFakeMonitoring(),
		FakeUploader:   NewFakeUploader(),
	}
}
