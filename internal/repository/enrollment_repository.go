package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// EnrollmentRepository handles enrollment data access.
type EnrollmentRepository struct {
	pool *pgxpool.Pool
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(pool *pgxpool.Pool) *EnrollmentRepository {
	return &EnrollmentRepository{pool: pool}
}

const enrollmentColumns = `id, exam_id, student_id, status, started_at, finished_at, final_score`

func scanEnrollment(row pgx.Row, e *model.Enrollment) error {
	return row.Scan(&e.ID, &e.ExamID, &e.StudentID, &e.Status, &e.StartedAt, &e.FinishedAt, &e.FinalScore)
}

// GetByExamAndStudent retrieves the enrollment of a specific exam-student combination.
func (r *EnrollmentRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Enrollment, error) {
	e := &model.Enrollment{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID)
	if err := scanEnrollment(row, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID retrieves an enrollment by its UUID.
func (r *EnrollmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	e := &model.Enrollment{}
	row := r.pool.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	if err := scanEnrollment(row, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Start creates the enrollment or returns the existing one. started_at is
// written only by the first call.
func (r *EnrollmentRepository) Start(ctx context.Context, examID uuid.UUID, studentID int) (*model.Enrollment, error) {
	e := &model.Enrollment{}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO enrollments (exam_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, student_id) DO UPDATE SET exam_id = EXCLUDED.exam_id
		 RETURNING `+enrollmentColumns,
		examID, studentID, model.EnrollmentOngoing)
	if err := scanEnrollment(row, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListByExam retrieves every enrollment of an exam, newest first.
func (r *EnrollmentRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Enrollment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE exam_id = $1
		 ORDER BY started_at DESC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []model.Enrollment
	for rows.Next() {
		var e model.Enrollment
		if err := scanEnrollment(rows, &e); err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}
