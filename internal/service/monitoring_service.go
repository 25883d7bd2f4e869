package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMonitoringDisabled   = errors.New("monitoring is disabled for this exam")
	ErrSnapshotTypeRequired = errors.New("snapshot media requires a snapshot type")
)

// MonitorUpdate is published on the exam monitor channel for every accepted
// patch.
type MonitorUpdate struct {
	Type         string                  `json:"type"`
	EnrollmentID uuid.UUID               `json:"enrollment_id"`
	StudentID    int                     `json:"student_id"`
	Counters     model.IntegrityCounters `json:"counters"`
	Violations   int                     `json:"violations"`
	SnapshotID   *uuid.UUID              `json:"snapshot_media_id,omitempty"`
	SnapshotType *model.SnapshotKind     `json:"snapshot_type,omitempty"`
	At           time.Time               `json:"at"`
}

// MonitoringService applies proctoring patches and feeds the live monitor.
type MonitoringService struct {
	examService    *ExamService
	enrollmentRepo *repository.EnrollmentRepository
	monitoringRepo *repository.MonitoringRepository
	rdb            *redis.Client
	log            zerolog.Logger
}

// NewMonitoringService creates a new MonitoringService.
func NewMonitoringService(
	examService *ExamService,
	enrollmentRepo *repository.EnrollmentRepository,
	monitoringRepo *repository.MonitoringRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *MonitoringService {
	return &MonitoringService{
		examService:    examService,
		enrollmentRepo: enrollmentRepo,
		monitoringRepo: monitoringRepo,
		rdb:            rdb,
		log:            log.With().Str("component", "monitoring_service").Logger(),
	}
}

// owned returns the enrollment when it belongs to the student.
func (s *MonitoringService) owned(ctx context.Context, studentID int, enrollmentID uuid.UUID) (*model.Enrollment, error) {
	e, err := s.enrollmentRepo.GetByID(ctx, enrollmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEnrollmentAccess
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	if e.StudentID != studentID {
		return nil, ErrEnrollmentAccess
	}
	return e, nil
}

// Update applies a patch from the student's session and returns the stored
// counters.
func (s *MonitoringService) Update(ctx context.Context, studentID int, p model.MonitoringPatch) (model.IntegrityCounters, error) {
	if p.SnapshotMediaID != nil && p.SnapshotType == nil {
		return model.IntegrityCounters{}, ErrSnapshotTypeRequired
	}

	e, err := s.owned(ctx, studentID, p.EnrollmentID)
	if err != nil {
		return model.IntegrityCounters{}, err
	}
	payload, err := s.examService.GetExamPayload(ctx, e.ExamID)
	if err != nil {
		return model.IntegrityCounters{}, err
	}
	if !payload.Exam.MonitoringEnabled {
		return model.IntegrityCounters{}, ErrMonitoringDisabled
	}

	counters, err := s.monitoringRepo.Apply(ctx, p)
	if err != nil {
		return model.IntegrityCounters{}, fmt.Errorf("apply patch: %w", err)
	}

	now := time.Now()
	s.queueEvent(ctx, model.MonitoringEvent{
		EnrollmentID: e.ID,
		ExamID:       e.ExamID,
		StudentID:    studentID,
		Patch:        p,
		ReceivedAt:   now,
	})
	s.publish(ctx, e.ExamID, MonitorUpdate{
		Type:         "monitoring",
		EnrollmentID: e.ID,
		StudentID:    studentID,
		Counters:     counters,
		Violations:   counters.Violations(),
		SnapshotID:   p.SnapshotMediaID,
		SnapshotType: p.SnapshotType,
		At:           now,
	})
	return counters, nil
}

// Counters returns the stored counters of the student's enrollment.
func (s *MonitoringService) Counters(ctx context.Context, studentID int, enrollmentID uuid.UUID) (model.IntegrityCounters, error) {
	if _, err := s.owned(ctx, studentID, enrollmentID); err != nil {
		return model.IntegrityCounters{}, err
	}
	return s.monitoringRepo.GetCounters(ctx, enrollmentID)
}

// Record returns one enrollment's full record for administrators.
func (s *MonitoringService) Record(ctx context.Context, enrollmentID uuid.UUID) (*model.MonitoringRecord, error) {
	e, err := s.enrollmentRepo.GetByID(ctx, enrollmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEnrollmentAccess
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}

	var (
		counters model.IntegrityCounters
		snaps    []model.MonitoringSnapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		counters, err = s.monitoringRepo.GetCounters(gctx, enrollmentID)
		return err
	})
	g.Go(func() error {
		var err error
		snaps, err = s.monitoringRepo.ListSnapshots(gctx, enrollmentID)
		// Snapshots are best-effort.
		if err != nil {
			s.log.Warn().Err(err).Str("enrollment_id", enrollmentID.String()).Msg("Failed to list snapshots")
			snaps = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &model.MonitoringRecord{
		EnrollmentID:      e.ID,
		ExamID:            e.ExamID,
		StudentID:         e.StudentID,
		IntegrityCounters: counters,
		Snapshots:         snaps,
	}, nil
}

// ExamRecords returns the records of every enrollment of an exam.
func (s *MonitoringService) ExamRecords(ctx context.Context, examID uuid.UUID) ([]model.MonitoringRecord, error) {
	return s.monitoringRepo.ListByExam(ctx, examID)
}

// Subscribe attaches to the exam's live monitor channel.
func (s *MonitoringService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}

// PublishStatus announces an enrollment status change on the monitor channel.
func (s *MonitoringService) PublishStatus(ctx context.Context, examID uuid.UUID, studentID int, status model.EnrollmentStatus) {
	s.publish(ctx, examID, map[string]any{
		"type":       "status",
		"student_id": studentID,
		"status":     status,
		"at":         time.Now(),
	})
}

func (s *MonitoringService) queueEvent(ctx context.Context, ev model.MonitoringEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistMonitoringEventsQueue, data).Err(); err != nil {
		s.log.Error().Err(err).Str("enrollment_id", ev.EnrollmentID.String()).Msg("Failed to queue monitoring event")
	}
}

func (s *MonitoringService) publish(ctx context.Context, examID uuid.UUID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), data).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to publish monitor update")
	}
}
