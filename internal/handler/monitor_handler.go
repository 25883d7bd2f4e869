package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler serves the proctoring views of administrators.
type MonitorHandler struct {
	examService       *service.ExamService
	enrollmentService *service.EnrollmentService
	monitoringService *service.MonitoringService
	threshold         int
	log               zerolog.Logger
}

func NewMonitorHandler(
	examService *service.ExamService,
	enrollmentService *service.EnrollmentService,
	monitoringService *service.MonitoringService,
	threshold int,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		examService:       examService,
		enrollmentService: enrollmentService,
		monitoringService: monitoringService,
		threshold:         threshold,
		log:               log.With().Str("component", "monitor_handler").Logger(),
	}
}

// studentRow is one line of the live monitor.
type studentRow struct {
	EnrollmentID uuid.UUID              `json:"enrollment_id"`
	StudentID    int                    `json:"student_id"`
	Status       model.EnrollmentStatus `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	Score        *float64               `json:"score,omitempty"`
	model.IntegrityCounters
	Violations int `json:"violations"`
}

type monitorStats struct {
	TotalJoined     int `json:"total_joined"`
	TotalInProgress int `json:"total_in_progress"`
	TotalCompleted  int `json:"total_completed"`
	TotalViolations int `json:"total_violations"`
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
// Streams a snapshot of the exam's enrollments, then every monitoring update
// published for it, with a periodic full refresh.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()
	exam, err := h.examService.GetByID(reqCtx, examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before the snapshot so no update falls between the two.
	pubsub := h.monitoringService.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	rows, stats := h.collect(reqCtx, examID)
	c.SSEvent("message", gin.H{
		"type": "snapshot",
		"data": gin.H{
			"exam": gin.H{
				"id":                  examID,
				"title":               exam.Title,
				"duration":            exam.DurationMinutes,
				"monitoring_enabled":  exam.MonitoringEnabled,
				"violation_threshold": h.threshold,
			},
			"stats":    stats,
			"students": rows,
		},
	})
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until something happens on the exam.
	active := len(rows) > 0

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payloads are already JSON.
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			rows, stats := h.collect(reqCtx, examID)
			c.SSEvent("message", gin.H{"type": "refresh", "stats": stats, "students": rows})
			c.Writer.Flush()

		case <-keepAliveTicker.C:
			c.SSEvent("message", gin.H{"type": "ping"})
			c.Writer.Flush()
		}
	}
}

// collect merges enrollments with their monitoring records.
func (h *MonitorHandler) collect(parent context.Context, examID uuid.UUID) ([]studentRow, monitorStats) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	rows := []studentRow{}
	var stats monitorStats

	enrollments, err := h.enrollmentService.ListByExam(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to list enrollments for monitor")
		return rows, stats
	}
	records, err := h.monitoringService.ExamRecords(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to list monitoring records")
	}
	counters := make(map[uuid.UUID]model.IntegrityCounters, len(records))
	for _, r := range records {
		counters[r.EnrollmentID] = r.IntegrityCounters
	}

	for _, e := range enrollments {
		c := counters[e.ID]
		rows = append(rows, studentRow{
			EnrollmentID:      e.ID,
			StudentID:         e.StudentID,
			Status:            e.Status,
			StartedAt:         e.StartedAt,
			FinishedAt:        e.FinishedAt,
			Score:             e.FinalScore,
			IntegrityCounters: c,
			Violations:        c.Violations(),
		})
		stats.TotalJoined++
		stats.TotalViolations += c.Violations()
		switch e.Status {
		case model.EnrollmentOngoing:
			stats.TotalInProgress++
		case model.EnrollmentCompleted:
			stats.TotalCompleted++
		}
	}
	return rows, stats
}

// ListRecords godoc
// GET /api/v1/admin/exams/:id/monitoring
func (h *MonitorHandler) ListRecords(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	records, err := h.monitoringService.ExamRecords(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if records == nil {
		records = []model.MonitoringRecord{}
	}
	response.Success(c, http.StatusOK, gin.H{"records": records})
}

// GetRecord godoc
// GET /api/v1/admin/monitoring/:enrollment_id
// Returns one enrollment's counters and snapshot evidence.
func (h *MonitorHandler) GetRecord(c *gin.Context) {
	enrollmentID, ok := uuidParam(c, "enrollment_id")
	if !ok {
		return
	}

	record, err := h.monitoringService.Record(c.Request.Context(), enrollmentID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, record)
}
