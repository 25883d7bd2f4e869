package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

const examColumns = `id, title, duration_minutes, passing_score,
	camera_required, microphone_required, screen_lock_required, tab_switch_detection,
	monitoring_enabled, allow_back_navigation, calculator, practice, status,
	created_at, updated_at`

func scanExam(row pgx.Row, e *model.Exam) error {
	return row.Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.PassingScore,
		&e.Proctoring.CameraRequired, &e.Proctoring.MicrophoneRequired,
		&e.Proctoring.ScreenLockRequired, &e.Proctoring.TabSwitchDetection,
		&e.MonitoringEnabled, &e.AllowBackNavigation, &e.Calculator, &e.Practice, &e.Status,
		&e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	row := r.pool.QueryRow(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, id)
	if err := scanExam(row, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CreateWithQuestions inserts a draft exam and its questions in one
// transaction. Question order follows the slice.
func (r *ExamRepository) CreateWithQuestions(ctx context.Context, e *model.Exam, questions []model.Question) error {
	if e.Status == "" {
		e.Status = model.ExamStatusDraft
	}
	if e.Calculator == "" {
		e.Calculator = model.CalculatorNone
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO exams (title, duration_minutes, passing_score,
			        camera_required, microphone_required, screen_lock_required, tab_switch_detection,
			        monitoring_enabled, allow_back_navigation, calculator, practice, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING id, created_at, updated_at`,
			e.Title, e.DurationMinutes, e.PassingScore,
			e.Proctoring.CameraRequired, e.Proctoring.MicrophoneRequired,
			e.Proctoring.ScreenLockRequired, e.Proctoring.TabSwitchDetection,
			e.MonitoringEnabled, e.AllowBackNavigation, e.Calculator, e.Practice, e.Status,
		).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert exam: %w", err)
		}

		rows := make([][]any, len(questions))
		for i := range questions {
			q := &questions[i]
			q.ID = uuid.New()
			q.ExamID = e.ID
			q.OrderNum = i + 1
			if q.Options == nil {
				q.Options = []model.Option{}
			}
			for j := range q.Options {
				q.Options[j].ID = ""
			}
			rows[i] = []any{q.ID, q.ExamID, q.Content, q.QuestionType, q.Options, q.CorrectAnswer, q.Points, q.OrderNum}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"questions"},
			[]string{"id", "exam_id", "content", "question_type", "options", "correct_answer", "points", "order_num"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy questions: %w", err)
		}
		return nil
	})
}

// UpdateStatus updates an exam's status.
func (r *ExamRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListPublished returns all exams with PUBLISHED status.
// Used for cache prewarming on application startup.
func (r *ExamRepository) ListPublished(ctx context.Context) ([]model.Exam, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+examColumns+` FROM exams WHERE status = $1
		 ORDER BY created_at DESC`, model.ExamStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := scanExam(rows, &e); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}
