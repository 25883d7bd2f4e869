package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/session"
	"github.com/stemsi/exstem-proctor/internal/proctor/snapshot"
)

// SessionBackend is everything a hosted exam session calls on the backend,
// bound to one authenticated student.
type SessionBackend interface {
	session.ExamAPI
	integrity.MonitoringAPI
	snapshot.Uploader
}

// Backends builds per-student session backends over the shared services.
type Backends struct {
	exams       *ExamService
	enrollments *EnrollmentService
	monitoring  *MonitoringService
	media       *MediaService
}

// NewBackends creates a new Backends.
func NewBackends(exams *ExamService, enrollments *EnrollmentService, monitoring *MonitoringService, media *MediaService) *Backends {
	return &Backends{exams: exams, enrollments: enrollments, monitoring: monitoring, media: media}
}

// ForStudent binds the services to one student.
func (b *Backends) ForStudent(studentID int) SessionBackend {
	return &StudentBackend{Backends: b, studentID: studentID}
}

// StudentBackend is the in-process SessionBackend of one student.
type StudentBackend struct {
	*Backends
	studentID int
}

var _ SessionBackend = (*StudentBackend)(nil)

// ─── session.ExamAPI ────────────────────────────────────────────────

func (s *StudentBackend) GetExamByID(ctx context.Context, examID uuid.UUID) (model.ExamConfiguration, error) {
	return s.exams.GetConfiguration(ctx, examID)
}

func (s *StudentBackend) GetQuestions(ctx context.Context, examID uuid.UUID, page, pageSize int) (model.QuestionPage, error) {
	return s.exams.GetQuestions(ctx, examID, page, pageSize)
}

// StartExam starts or resumes the attempt and announces it on the monitor.
func (s *StudentBackend) StartExam(ctx context.Context, examID uuid.UUID) (model.StartResult, error) {
	res, err := s.enrollments.Start(ctx, examID, s.studentID)
	if err != nil {
		return res, err
	}
	s.monitoring.PublishStatus(ctx, examID, s.studentID, model.EnrollmentOngoing)
	return res, nil
}

func (s *StudentBackend) GetSubmissions(ctx context.Context, examID uuid.UUID) (model.SubmissionState, error) {
	return s.enrollments.Submissions(ctx, examID, s.studentID)
}

func (s *StudentBackend) SaveAnswer(ctx context.Context, examID, questionID uuid.UUID, raw json.RawMessage) error {
	return s.enrollments.SaveAnswer(ctx, examID, s.studentID, questionID, raw)
}

func (s *StudentBackend) DeleteAnswer(ctx context.Context, examID, questionID uuid.UUID) error {
	return s.enrollments.DeleteAnswer(ctx, examID, s.studentID, questionID)
}

// SubmitExam grades the attempt and announces completion on the monitor.
func (s *StudentBackend) SubmitExam(ctx context.Context, examID uuid.UUID) (model.SubmitResult, error) {
	res, err := s.enrollments.Submit(ctx, examID, s.studentID)
	if err != nil {
		return res, err
	}
	s.monitoring.PublishStatus(ctx, examID, s.studentID, model.EnrollmentCompleted)
	return res, nil
}

// ─── integrity.MonitoringAPI ────────────────────────────────────────

func (s *StudentBackend) UpdateMonitoring(ctx context.Context, patch model.MonitoringPatch) error {
	_, err := s.monitoring.Update(ctx, s.studentID, patch)
	return err
}

func (s *StudentBackend) GetMonitoring(ctx context.Context, enrollmentID uuid.UUID) (model.IntegrityCounters, error) {
	return s.monitoring.Counters(ctx, s.studentID, enrollmentID)
}

// ─── snapshot.Uploader ──────────────────────────────────────────────

func (s *StudentBackend) UploadMedia(ctx context.Context, data []byte, contentType string) (uuid.UUID, error) {
	m, err := s.media.Upload(ctx, s.studentID, data, contentType)
	if err != nil {
		return uuid.Nil, err
	}
	return m.ID, nil
}
