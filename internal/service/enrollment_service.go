package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/answer"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

var (
	ErrNotEnrolled      = errors.New("exam has not been started")
	ErrExamSubmitted    = errors.New("exam already submitted")
	ErrExamTimeUp       = errors.New("exam time is up")
	ErrUnknownQuestion  = errors.New("question does not belong to this exam")
	ErrAnswerNotJSON    = errors.New("answer is not valid JSON")
	ErrEnrollmentAccess = errors.New("enrollment not found")
)

// SaveGrace is how long after the deadline answer writes are still accepted,
// so the final flush of an auto-submitted session is not lost.
const SaveGrace = 30 * time.Second

// loadedField marks an answers hash as a complete copy of the stored answers.
const loadedField = "_loaded"

// EnrollmentService owns a student's attempt: start, answers and submit.
// Answers live in Redis and reach PostgreSQL through the worker queues.
type EnrollmentService struct {
	examService    *ExamService
	enrollmentRepo *repository.EnrollmentRepository
	answerRepo     *repository.AnswerRepository
	rdb            *redis.Client
	log            zerolog.Logger
	now            func() time.Time
}

// NewEnrollmentService creates a new EnrollmentService.
func NewEnrollmentService(
	examService *ExamService,
	enrollmentRepo *repository.EnrollmentRepository,
	answerRepo *repository.AnswerRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *EnrollmentService {
	return &EnrollmentService{
		examService:    examService,
		enrollmentRepo: enrollmentRepo,
		answerRepo:     answerRepo,
		rdb:            rdb,
		log:            log.With().Str("component", "enrollment_service").Logger(),
		now:            time.Now,
	}
}

// ─── Enrollment cache ───────────────────────────────────────────────

func enrollmentFields(e *model.Enrollment) map[string]any {
	fields := map[string]any{
		"id":         e.ID.String(),
		"exam_id":    e.ExamID.String(),
		"started_at": e.StartedAt.UnixMilli(),
		"status":     string(e.Status),
	}
	if e.FinalScore != nil {
		fields["score"] = strconv.FormatFloat(*e.FinalScore, 'f', -1, 64)
	}
	if e.FinishedAt != nil {
		fields["finished_at"] = e.FinishedAt.UnixMilli()
	}
	return fields
}

func parseEnrollment(m map[string]string, studentID int) (*model.Enrollment, error) {
	id, err := uuid.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("invalid cached enrollment id: %w", err)
	}
	examID, _ := uuid.Parse(m["exam_id"])
	started, err := strconv.ParseInt(m["started_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cached start time: %w", err)
	}
	e := &model.Enrollment{
		ID:        id,
		ExamID:    examID,
		StudentID: studentID,
		Status:    model.EnrollmentStatus(m["status"]),
		StartedAt: time.UnixMilli(started),
	}
	if v, ok := m["score"]; ok {
		if score, err := strconv.ParseFloat(v, 64); err == nil {
			e.FinalScore = &score
		}
	}
	if v, ok := m["finished_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			e.FinishedAt = &t
		}
	}
	return e, nil
}

// enrollment reads the cached enrollment, falling back to PostgreSQL and
// self-healing the cache. It returns ErrNotEnrolled when none exists.
func (s *EnrollmentService) enrollment(ctx context.Context, examID uuid.UUID, studentID int) (*model.Enrollment, error) {
	key := config.CacheKey.StudentEnrollmentKey(examID.String(), studentID)
	cached, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error getting enrollment: %w", err)
	}
	if len(cached) > 0 {
		if e, err := parseEnrollment(cached, studentID); err == nil {
			return e, nil
		}
		s.log.Warn().Str("key", key).Msg("Corrupt enrollment cache, reloading")
	}

	e, err := s.enrollmentRepo.GetByExamAndStudent(ctx, examID, studentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	_ = s.rdb.HSet(ctx, key, enrollmentFields(e)).Err()
	return e, nil
}

// ─── Start ──────────────────────────────────────────────────────────

// Start creates or resumes the student's enrollment. StartedAt never changes
// once written.
func (s *EnrollmentService) Start(ctx context.Context, examID uuid.UUID, studentID int) (model.StartResult, error) {
	if _, err := s.examService.GetExamPayload(ctx, examID); err != nil {
		return model.StartResult{}, err
	}

	if e, err := s.enrollment(ctx, examID, studentID); err == nil {
		return model.StartResult{EnrollmentID: e.ID, StartedAt: e.StartedAt}, nil
	} else if !errors.Is(err, ErrNotEnrolled) {
		return model.StartResult{}, err
	}

	e, err := s.enrollmentRepo.Start(ctx, examID, studentID)
	if err != nil {
		return model.StartResult{}, fmt.Errorf("start enrollment: %w", err)
	}

	key := config.CacheKey.StudentEnrollmentKey(examID.String(), studentID)
	if err := s.rdb.HSet(ctx, key, enrollmentFields(e)).Err(); err != nil {
		// The PostgreSQL fallback in enrollment() covers this.
		s.log.Warn().Err(err).Int("student_id", studentID).Msg("Failed to cache enrollment")
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Str("enrollment_id", e.ID.String()).
		Msg("Enrollment started")
	return model.StartResult{EnrollmentID: e.ID, StartedAt: e.StartedAt}, nil
}

// ListByExam returns every enrollment of an exam. Submissions whose score
// is still queued for persistence are taken from the cache.
func (s *EnrollmentService) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Enrollment, error) {
	list, err := s.enrollmentRepo.ListByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	if len(list) == 0 {
		return list, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(list))
	for i, e := range list {
		cmds[i] = pipe.HGetAll(ctx, config.CacheKey.StudentEnrollmentKey(examID.String(), e.StudentID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to overlay cached enrollments")
		return list, nil
	}
	for i, cmd := range cmds {
		cached := cmd.Val()
		if len(cached) == 0 {
			continue
		}
		if e, err := parseEnrollment(cached, list[i].StudentID); err == nil && e.ID == list[i].ID {
			list[i] = *e
		}
	}
	return list, nil
}

// ─── Answers ────────────────────────────────────────────────────────

// answers returns the enrollment's answers, loading them from PostgreSQL into
// Redis on a cache miss.
func (s *EnrollmentService) answers(ctx context.Context, e *model.Enrollment) (map[uuid.UUID]json.RawMessage, error) {
	key := config.CacheKey.StudentAnswersKey(e.ExamID.String(), e.StudentID)
	cached, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get cached answers: %w", err)
	}
	if _, ok := cached[loadedField]; ok {
		out := make(map[uuid.UUID]json.RawMessage, len(cached))
		for k, v := range cached {
			if id, err := uuid.Parse(k); err == nil {
				out[id] = json.RawMessage(v)
			}
		}
		return out, nil
	}

	subs, err := s.answerRepo.ListByEnrollment(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	out := make(map[uuid.UUID]json.RawMessage, len(subs))
	for _, sub := range subs {
		out[sub.QuestionID] = sub.Answer
	}
	if e.Status != model.EnrollmentCompleted {
		// HSetNX keeps any write that landed after the rows were read.
		pipe := s.rdb.TxPipeline()
		for _, sub := range subs {
			pipe.HSetNX(ctx, key, sub.QuestionID.String(), string(sub.Answer))
		}
		pipe.HSet(ctx, key, loadedField, "1")
		if _, err := pipe.Exec(ctx); err != nil {
			s.log.Warn().Err(err).Str("enrollment_id", e.ID.String()).Msg("Failed to cache answers")
		}
	}
	return out, nil
}

// Submissions returns the enrollment status and all persisted answers.
func (s *EnrollmentService) Submissions(ctx context.Context, examID uuid.UUID, studentID int) (model.SubmissionState, error) {
	e, err := s.enrollment(ctx, examID, studentID)
	if errors.Is(err, ErrNotEnrolled) {
		return model.SubmissionState{EnrollmentStatus: model.EnrollmentNotStarted, Submissions: []model.Submission{}}, nil
	}
	if err != nil {
		return model.SubmissionState{}, err
	}

	answers, err := s.answers(ctx, e)
	if err != nil {
		return model.SubmissionState{}, err
	}

	state := model.SubmissionState{
		EnrollmentStatus: e.Status,
		StartedAt:        &e.StartedAt,
		EnrollmentID:     &e.ID,
		Submissions:      make([]model.Submission, 0, len(answers)),
	}
	for id, raw := range answers {
		state.Submissions = append(state.Submissions, model.Submission{QuestionID: id, Answer: raw})
	}
	return state, nil
}

// writable loads the enrollment and checks that answers may still change.
func (s *EnrollmentService) writable(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID) (*model.Enrollment, error) {
	payload, err := s.examService.GetExamPayload(ctx, examID)
	if err != nil {
		return nil, err
	}
	known := false
	for _, q := range payload.Questions {
		if q.ID == questionID {
			known = true
			break
		}
	}
	if !known {
		return nil, ErrUnknownQuestion
	}

	e, err := s.enrollment(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	if e.Status == model.EnrollmentCompleted {
		return nil, ErrExamSubmitted
	}
	deadline := e.StartedAt.Add(time.Duration(payload.Exam.DurationMinutes)*time.Minute + SaveGrace)
	if s.now().After(deadline) {
		return nil, ErrExamTimeUp
	}
	// Make sure the hash is a complete copy before it is modified.
	if _, err := s.answers(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// SaveAnswer stores one answer in storage form and queues it for persistence.
func (s *EnrollmentService) SaveAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return ErrAnswerNotJSON
	}
	e, err := s.writable(ctx, examID, studentID, questionID)
	if err != nil {
		return err
	}

	key := config.CacheKey.StudentAnswersKey(examID.String(), studentID)
	if err := s.rdb.HSet(ctx, key, questionID.String(), string(raw)).Err(); err != nil {
		return fmt.Errorf("autosave redis error: %w", err)
	}
	return s.queueAnswer(ctx, model.AnswerJob{
		Op:           model.AnswerOpUpsert,
		EnrollmentID: e.ID,
		QuestionID:   questionID,
		Answer:       raw,
		QueuedAt:     s.now(),
	})
}

// DeleteAnswer clears one answer and queues the deletion.
func (s *EnrollmentService) DeleteAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID) error {
	e, err := s.writable(ctx, examID, studentID, questionID)
	if err != nil {
		return err
	}

	key := config.CacheKey.StudentAnswersKey(examID.String(), studentID)
	if err := s.rdb.HDel(ctx, key, questionID.String()).Err(); err != nil {
		return fmt.Errorf("delete answer redis error: %w", err)
	}
	return s.queueAnswer(ctx, model.AnswerJob{
		Op:           model.AnswerOpDelete,
		EnrollmentID: e.ID,
		QuestionID:   questionID,
		QueuedAt:     s.now(),
	})
}

func (s *EnrollmentService) queueAnswer(ctx context.Context, job model.AnswerJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal answer job: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue answer: %w", err)
	}
	return nil
}

// ─── Submit ─────────────────────────────────────────────────────────

// Submit grades the exam in RAM and queues the score for persistence.
// Submitting a completed enrollment returns the recorded result.
func (s *EnrollmentService) Submit(ctx context.Context, examID uuid.UUID, studentID int) (model.SubmitResult, error) {
	e, err := s.enrollment(ctx, examID, studentID)
	if err != nil {
		return model.SubmitResult{}, err
	}
	if e.Status == model.EnrollmentCompleted {
		res := model.SubmitResult{EnrollmentID: e.ID, Score: e.FinalScore}
		if e.FinishedAt != nil {
			res.FinishedAt = *e.FinishedAt
		}
		return res, nil
	}

	payload, err := s.examService.GetExamPayload(ctx, examID)
	if err != nil {
		return model.SubmitResult{}, err
	}
	answers, err := s.answers(ctx, e)
	if err != nil {
		return model.SubmitResult{}, err
	}

	score := Grade(payload.Questions, answers)
	finished := s.now()

	// Mark completed first so no further answer writes are accepted.
	key := config.CacheKey.StudentEnrollmentKey(examID.String(), studentID)
	e.Status = model.EnrollmentCompleted
	e.FinalScore = &score
	e.FinishedAt = &finished
	if err := s.rdb.HSet(ctx, key, enrollmentFields(e)).Err(); err != nil {
		return model.SubmitResult{}, fmt.Errorf("mark completed: %w", err)
	}

	job, err := json.Marshal(model.ScoreJob{
		EnrollmentID: e.ID,
		ExamID:       examID,
		StudentID:    studentID,
		Score:        score,
		FinishedAt:   finished,
		Answers:      answers,
	})
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("marshal score job: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistScoresQueue, job).Err(); err != nil {
		return model.SubmitResult{}, fmt.Errorf("queue score: %w", err)
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Float64("score", score).
		Int("answered", len(answers)).
		Int("total", len(payload.Questions)).
		Msg("Exam submitted and graded")

	return model.SubmitResult{EnrollmentID: e.ID, Score: &score, FinishedAt: finished}, nil
}

// Grade scores answers against the questions' keys as a percentage of the
// keyed points, rounded to two decimals. Questions without a key (free-form
// answers) do not count.
func Grade(questions []model.Question, answers map[uuid.UUID]json.RawMessage) float64 {
	var total, earned float64
	for _, q := range questions {
		if len(q.CorrectAnswer) == 0 || string(q.CorrectAnswer) == "null" {
			continue
		}
		points := q.Points
		if points <= 0 {
			points = 1
		}
		total += points
		stored, ok := answers[q.ID]
		if ok && answer.Matches(q.ForStudent(), stored, q.CorrectAnswer) {
			earned += points
		}
	}
	if total == 0 {
		return 0
	}
	return math.Round(earned/total*10000) / 100
}
