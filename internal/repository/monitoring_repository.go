package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MonitoringRepository stores proctoring records and snapshot links.
type MonitoringRepository struct {
	pool *pgxpool.Pool
}

// NewMonitoringRepository creates a new MonitoringRepository.
func NewMonitoringRepository(pool *pgxpool.Pool) *MonitoringRepository {
	return &MonitoringRepository{pool: pool}
}

// Apply merges a patch into the enrollment's record and returns the stored
// counters. Omitted counters are left unchanged and no counter ever
// decreases, so a stale echo cannot roll a record back. A snapshot link is
// appended in the same transaction.
func (r *MonitoringRepository) Apply(ctx context.Context, p model.MonitoringPatch) (model.IntegrityCounters, error) {
	var c model.IntegrityCounters

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return c, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO monitoring_records (enrollment_id, tab_switch_count, fullscreen_exit_count, voice_detection_count)
		 VALUES ($1, COALESCE($2::int, 0), COALESCE($3::int, 0), COALESCE($4::int, 0))
		 ON CONFLICT (enrollment_id) DO UPDATE SET
		     tab_switch_count      = GREATEST(monitoring_records.tab_switch_count, COALESCE($2::int, 0)),
		     fullscreen_exit_count = GREATEST(monitoring_records.fullscreen_exit_count, COALESCE($3::int, 0)),
		     voice_detection_count = GREATEST(monitoring_records.voice_detection_count, COALESCE($4::int, 0)),
		     updated_at            = NOW()
		 RETURNING tab_switch_count, fullscreen_exit_count, voice_detection_count`,
		p.EnrollmentID, p.TabSwitchCount, p.FullscreenExitCount, p.VoiceDetectionCount,
	).Scan(&c.TabSwitchCount, &c.FullscreenExitCount, &c.VoiceDetectionCount)
	if err != nil {
		return c, fmt.Errorf("upsert record: %w", err)
	}

	if p.HasSnapshot() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO monitoring_snapshots (enrollment_id, media_id, kind) VALUES ($1, $2, $3)`,
			p.EnrollmentID, *p.SnapshotMediaID, *p.SnapshotType,
		); err != nil {
			return c, fmt.Errorf("insert snapshot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return c, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// GetCounters returns the stored counters, zero when no record exists yet.
func (r *MonitoringRepository) GetCounters(ctx context.Context, enrollmentID uuid.UUID) (model.IntegrityCounters, error) {
	var c model.IntegrityCounters
	err := r.pool.QueryRow(ctx,
		`SELECT tab_switch_count, fullscreen_exit_count, voice_detection_count
		 FROM monitoring_records WHERE enrollment_id = $1`, enrollmentID,
	).Scan(&c.TabSwitchCount, &c.FullscreenExitCount, &c.VoiceDetectionCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IntegrityCounters{}, nil
	}
	return c, err
}

// ListByExam returns the records of every enrollment of an exam, including
// enrollments that have not reported anything yet.
func (r *MonitoringRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.MonitoringRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT e.id, e.exam_id, e.student_id,
		        COALESCE(m.tab_switch_count, 0), COALESCE(m.fullscreen_exit_count, 0),
		        COALESCE(m.voice_detection_count, 0), COALESCE(m.updated_at, e.started_at)
		 FROM enrollments e
		 LEFT JOIN monitoring_records m ON m.enrollment_id = e.id
		 WHERE e.exam_id = $1
		 ORDER BY e.student_id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []model.MonitoringRecord{}
	for rows.Next() {
		var m model.MonitoringRecord
		if err := rows.Scan(&m.EnrollmentID, &m.ExamID, &m.StudentID,
			&m.TabSwitchCount, &m.FullscreenExitCount, &m.VoiceDetectionCount, &m.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	return records, rows.Err()
}

// ListSnapshots returns the snapshot links of an enrollment in capture order.
func (r *MonitoringRepository) ListSnapshots(ctx context.Context, enrollmentID uuid.UUID) ([]model.MonitoringSnapshot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT media_id, kind, created_at FROM monitoring_snapshots
		 WHERE enrollment_id = $1
		 ORDER BY created_at`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := []model.MonitoringSnapshot{}
	for rows.Next() {
		var s model.MonitoringSnapshot
		if err := rows.Scan(&s.MediaID, &s.Kind, &s.CreatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
