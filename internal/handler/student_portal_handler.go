package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionBackends binds the backend services to an authenticated student.
type SessionBackends interface {
	ForStudent(studentID int) service.SessionBackend
}

// QuestionPageQuery is the paging query of the questions endpoint.
type QuestionPageQuery struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=200"`
}

// StudentPortalHandler handles the student-facing exam, media and monitoring
// endpoints.
type StudentPortalHandler struct {
	backends       SessionBackends
	maxUploadBytes int64
	log            zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(backends SessionBackends, maxUploadBytes int64, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		backends:       backends,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// backend resolves the caller's backend, writing a failure when there is no
// student identity.
func (h *StudentPortalHandler) backend(c *gin.Context) (service.SessionBackend, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}
	return h.backends.ForStudent(claims.UserID), true
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// ─── Exams ──────────────────────────────────────────────────────────

// GetExam godoc
// GET /api/v1/student/exams/:exam_id
// Returns the exam configuration without questions.
func (h *StudentPortalHandler) GetExam(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	exam, err := b.GetExamByID(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, exam)
}

// GetQuestions godoc
// GET /api/v1/student/exams/:exam_id/questions?page=&page_size=
func (h *StudentPortalHandler) GetQuestions(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	q := QuestionPageQuery{Page: 1, PageSize: 50}
	if err := c.ShouldBindQuery(&q); err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, validator.TranslateErrors(err))
		return
	}

	page, err := b.GetQuestions(c.Request.Context(), examID, q.Page, q.PageSize)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.SuccessWithPagination(c, http.StatusOK, page.Questions,
		response.NewPagination(page.Page, page.PageSize, page.Total))
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Starts the attempt, or resumes it keeping the original start time.
func (h *StudentPortalHandler) StartExam(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	res, err := b.StartExam(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetSubmissions godoc
// GET /api/v1/student/exams/:exam_id/submissions
func (h *StudentPortalHandler) GetSubmissions(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	state, err := b.GetSubmissions(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if state.Submissions == nil {
		state.Submissions = []model.Submission{}
	}
	response.Success(c, http.StatusOK, state)
}

// SaveAnswer godoc
// PUT /api/v1/student/exams/:exam_id/answers/:question_id
// Body: {"answer": <storage form>}
func (h *StudentPortalHandler) SaveAnswer(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}
	questionID, ok := uuidParam(c, "question_id")
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if string(req.Answer) == "null" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidAnswer)
		return
	}

	if err := b.SaveAnswer(c.Request.Context(), examID, questionID, req.Answer); err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// DeleteAnswer godoc
// DELETE /api/v1/student/exams/:exam_id/answers/:question_id
func (h *StudentPortalHandler) DeleteAnswer(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}
	questionID, ok := uuidParam(c, "question_id")
	if !ok {
		return
	}

	if err := b.DeleteAnswer(c.Request.Context(), examID, questionID); err != nil {
		fail(c, h.log, err)
		return
	}
	response.NoContent(c)
}

// SubmitExam godoc
// POST /api/v1/student/exams/:exam_id/submit
// Grades the attempt. Submitting again returns the recorded result.
func (h *StudentPortalHandler) SubmitExam(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	res, err := b.SubmitExam(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// ─── Media ──────────────────────────────────────────────────────────

// UploadMedia godoc
// POST /api/v1/student/media (multipart field "file")
// Stores a proctoring image and returns its id.
func (h *StudentPortalHandler) UploadMedia(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		fail(c, h.log, service.ErrFileTooLarge)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		fail(c, h.log, service.ErrFileTooLarge)
		return
	}

	id, err := b.UploadMedia(c.Request.Context(), data, header.Header.Get("Content-Type"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"id": id})
}

// ─── Monitoring ─────────────────────────────────────────────────────

// UpdateMonitoring godoc
// PATCH /api/v1/student/monitoring
// Applies a partial counter patch, optionally linking a snapshot, and
// returns the stored counters.
func (h *StudentPortalHandler) UpdateMonitoring(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}

	var patch model.MonitoringPatch
	if fields := validator.Bind(c, &patch); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ctx := c.Request.Context()
	if err := b.UpdateMonitoring(ctx, patch); err != nil {
		fail(c, h.log, err)
		return
	}
	counters, err := b.GetMonitoring(ctx, patch.EnrollmentID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, counters)
}

// GetMonitoring godoc
// GET /api/v1/student/monitoring/:enrollment_id
func (h *StudentPortalHandler) GetMonitoring(c *gin.Context) {
	b, ok := h.backend(c)
	if !ok {
		return
	}
	enrollmentID, ok := uuidParam(c, "enrollment_id")
	if !ok {
		return
	}

	counters, err := b.GetMonitoring(c.Request.Context(), enrollmentID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, counters)
}
