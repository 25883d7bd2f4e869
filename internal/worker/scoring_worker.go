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

// ScoringWorker consumes persist_scores_queue. It completes enrollments,
// writes their final answer sets and clears the Redis autosave buffers.
type ScoringWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	b    *batcher[model.ScoreJob]
	log  zerolog.Logger
}

func NewScoringWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ScoringWorker {
	w := &ScoringWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "scoring_worker").Logger(),
	}
	w.b = &batcher[model.ScoreJob]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistScoresQueue,
		log:   w.log,
		flush: w.flush,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *ScoringWorker) Start(ctx context.Context) {
	w.b.run(ctx)
}

func (w *ScoringWorker) flush(ctx context.Context, batch []model.ScoreJob) []model.ScoreJob {
	if err := w.persistBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk score update failed, using fallback")

		var failed []model.ScoreJob
		for _, job := range batch {
			if err := w.persistBatch(ctx, []model.ScoreJob{job}); err != nil {
				w.log.Error().Err(err).
					Str("enrollment_id", job.EnrollmentID.String()).
					Msg("Score persist failed, requeueing")
				failed = append(failed, job)
				continue
			}
			w.clearAutosaved(ctx, []model.ScoreJob{job})
		}
		return failed
	}

	w.clearAutosaved(ctx, batch)
	return nil
}

// persistBatch applies a batch in one transaction: enrollment completion,
// the final answers, and removal of answers absent from the final set.
func (w *ScoringWorker) persistBatch(ctx context.Context, batch []model.ScoreJob) error {
	n := len(batch)
	ids := make([]uuid.UUID, n)
	scores := make([]float64, n)
	finishedAts := make([]time.Time, n)
	var rows []answerRow
	for i, job := range batch {
		ids[i] = job.EnrollmentID
		scores[i] = job.Score
		finishedAts[i] = job.FinishedAt
		for qid, raw := range job.Answers {
			rows = append(rows, answerRow{
				enrollmentID: job.EnrollmentID,
				questionID:   qid,
				answer:       string(raw),
				at:           job.FinishedAt,
			})
		}
	}

	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE enrollments AS e
			SET status = 'COMPLETED',
			    final_score = t.score,
			    finished_at = t.finished_at
			FROM UNNEST($1::uuid[], $2::float8[], $3::timestamptz[])
				AS t (id, score, finished_at)
			WHERE e.id = t.id`,
			ids, scores, finishedAts,
		)
		if err != nil {
			return err
		}
		if err := upsertAnswers(ctx, tx, rows); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM student_answers AS s
			USING UNNEST($1::uuid[], $2::timestamptz[]) AS t (id, finished_at)
			WHERE s.enrollment_id = t.id
			  AND s.updated_at < t.finished_at`,
			ids, finishedAts,
		)
		return err
	})
}

// clearAutosaved drops the Redis answer hashes once Postgres holds the
// final answers.
func (w *ScoringWorker) clearAutosaved(ctx context.Context, batch []model.ScoreJob) {
	pipe := w.rdb.Pipeline()
	for _, job := range batch {
		pipe.Del(ctx, config.CacheKey.StudentAnswersKey(job.ExamID.String(), job.StudentID))
	}
	if _, err := pipe.Exec(context.WithoutCancel(ctx)); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear autosaved answers")
	}
}
