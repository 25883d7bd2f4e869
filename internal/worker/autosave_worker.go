package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AutosaveWorker consumes persist_answers_queue and applies answer upserts
// and deletions to student_answers.
type AutosaveWorker struct {
	pool *pgxpool.Pool
	b    *batcher[model.AnswerJob]
	log  zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{
		pool: pool,
		log:  log.With().Str("component", "autosave_worker").Logger(),
	}
	w.b = &batcher[model.AnswerJob]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistAnswersQueue,
		log:   w.log,
		flush: w.flush,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.b.run(ctx)
}

type answerKey struct {
	enrollmentID uuid.UUID
	questionID   uuid.UUID
}

// collapseAnswerJobs keeps the last job per enrollment and question, in
// queue order.
func collapseAnswerJobs(batch []model.AnswerJob) []model.AnswerJob {
	last := make(map[answerKey]int, len(batch))
	for i, j := range batch {
		last[answerKey{j.EnrollmentID, j.QuestionID}] = i
	}
	out := make([]model.AnswerJob, 0, len(last))
	for i, j := range batch {
		if last[answerKey{j.EnrollmentID, j.QuestionID}] == i {
			out = append(out, j)
		}
	}
	return out
}

func (w *AutosaveWorker) flush(ctx context.Context, batch []model.AnswerJob) []model.AnswerJob {
	jobs := collapseAnswerJobs(batch)

	var upserts []answerRow
	var deletes []model.AnswerJob
	for _, j := range jobs {
		switch j.Op {
		case model.AnswerOpUpsert:
			upserts = append(upserts, answerRow{
				enrollmentID: j.EnrollmentID,
				questionID:   j.QuestionID,
				answer:       string(j.Answer),
				at:           j.QueuedAt,
			})
		case model.AnswerOpDelete:
			deletes = append(deletes, j)
		default:
			w.log.Warn().Str("op", string(j.Op)).Msg("Dropping answer job with unknown op")
		}
	}

	err := pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		if err := upsertAnswers(ctx, tx, upserts); err != nil {
			return err
		}
		return deleteAnswers(ctx, tx, deletes)
	})
	if err != nil {
		w.log.Warn().Err(err).Int("count", len(jobs)).Msg("Answer batch failed, requeueing")
		return jobs
	}

	w.log.Debug().Int("upserts", len(upserts)).Int("deletes", len(deletes)).Msg("Answer batch persisted")
	return nil
}

// answerRow is one student_answers row in storage form.
type answerRow struct {
	enrollmentID uuid.UUID
	questionID   uuid.UUID
	answer       string
	at           time.Time
}

// upsertAnswers writes rows unless the stored row is newer, so a late
// autosave never overwrites the final answer set written at submit.
func upsertAnswers(ctx context.Context, tx pgx.Tx, rows []answerRow) error {
	if len(rows) == 0 {
		return nil
	}
	n := len(rows)
	enrollmentIDs := make([]uuid.UUID, n)
	questionIDs := make([]uuid.UUID, n)
	answers := make([]string, n)
	ats := make([]time.Time, n)
	for i, r := range rows {
		enrollmentIDs[i] = r.enrollmentID
		questionIDs[i] = r.questionID
		answers[i] = r.answer
		ats[i] = r.at
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO student_answers (enrollment_id, question_id, answer, updated_at)
		SELECT u.enrollment_id, u.question_id, u.answer::jsonb, u.at
		FROM UNNEST($1::uuid[], $2::uuid[], $3::text[], $4::timestamptz[])
			AS u (enrollment_id, question_id, answer, at)
		ON CONFLICT (enrollment_id, question_id) DO UPDATE
		SET answer = EXCLUDED.answer, updated_at = EXCLUDED.updated_at
		WHERE student_answers.updated_at <= EXCLUDED.updated_at`,
		enrollmentIDs, questionIDs, answers, ats,
	)
	return err
}

// deleteAnswers removes rows not written after the deletion was queued.
func deleteAnswers(ctx context.Context, tx pgx.Tx, jobs []model.AnswerJob) error {
	if len(jobs) == 0 {
		return nil
	}
	n := len(jobs)
	enrollmentIDs := make([]uuid.UUID, n)
	questionIDs := make([]uuid.UUID, n)
	ats := make([]time.Time, n)
	for i, j := range jobs {
		enrollmentIDs[i] = j.EnrollmentID
		questionIDs[i] = j.QuestionID
		ats[i] = j.QueuedAt
	}

	_, err := tx.Exec(ctx, `
		DELETE FROM student_answers AS s
		USING UNNEST($1::uuid[], $2::uuid[], $3::timestamptz[])
			AS d (enrollment_id, question_id, at)
		WHERE s.enrollment_id = d.enrollment_id
		  AND s.question_id = d.question_id
		  AND s.updated_at <= d.at`,
		enrollmentIDs, questionIDs, ats,
	)
	return err
}
