package worker

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MonitoringEventWorker copies the monitoring patch audit trail from
// persist_monitoring_events_queue into monitoring_events.
type MonitoringEventWorker struct {
	pool *pgxpool.Pool
	b    *batcher[model.MonitoringEvent]
	log  zerolog.Logger
}

func NewMonitoringEventWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *MonitoringEventWorker {
	w := &MonitoringEventWorker{
		pool: pool,
		log:  log.With().Str("component", "monitoring_event_worker").Logger(),
	}
	w.b = &batcher[model.MonitoringEvent]{
		rdb:   rdb,
		queue: config.WorkerKey.PersistMonitoringEventsQueue,
		log:   w.log,
		flush: w.flush,
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *MonitoringEventWorker) Start(ctx context.Context) {
	w.b.run(ctx)
}

var monitoringEventColumns = []string{"enrollment_id", "exam_id", "student_id", "payload", "received_at"}

func eventRow(ev model.MonitoringEvent) ([]any, error) {
	payload, err := json.Marshal(ev.Patch)
	if err != nil {
		return nil, err
	}
	return []any{ev.EnrollmentID, ev.ExamID, ev.StudentID, string(payload), ev.ReceivedAt}, nil
}

// flush tries a bulk COPY first, then row-by-row inserts so one bad row
// does not hold back the batch.
func (w *MonitoringEventWorker) flush(ctx context.Context, batch []model.MonitoringEvent) []model.MonitoringEvent {
	err := w.bulkInsert(ctx, batch)
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []model.MonitoringEvent
	for _, ev := range batch {
		row, rowErr := eventRow(ev)
		if rowErr != nil {
			w.log.Error().Err(rowErr).Str("enrollment_id", ev.EnrollmentID.String()).Msg("Dropping unencodable monitoring event")
			continue
		}
		_, err = w.pool.Exec(ctx,
			`INSERT INTO monitoring_events (enrollment_id, exam_id, student_id, payload, received_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5)`,
			row...,
		)
		if err != nil {
			w.log.Error().Err(err).Int("student_id", ev.StudentID).Msg("Insert failed, requeueing")
			failed = append(failed, ev)
		}
	}
	return failed
}

func (w *MonitoringEventWorker) bulkInsert(ctx context.Context, batch []model.MonitoringEvent) error {
	rows := make([][]any, 0, len(batch))
	for _, ev := range batch {
		row, err := eventRow(ev)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"monitoring_events"},
		monitoringEventColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}
