package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ExamHandler handles exam administration endpoints.
type ExamHandler struct {
	examService       *service.ExamService
	enrollmentService *service.EnrollmentService
	log               zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(examService *service.ExamService, enrollmentService *service.EnrollmentService, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		examService:       examService,
		enrollmentService: enrollmentService,
		log:               log.With().Str("component", "exam_handler").Logger(),
	}
}

// CreateExam godoc
// POST /api/v1/admin/exams
// Creates a draft exam together with its questions.
func (h *ExamHandler) CreateExam(c *gin.Context) {
	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.examService.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusCreated, exam)
}

// GetExam godoc
// GET /api/v1/admin/exams/:id
func (h *ExamHandler) GetExam(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	exam, err := h.examService.GetByID(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, exam)
}

// PublishExam godoc
// POST /api/v1/admin/exams/:id/publish
// Publishes a draft exam and warms its cache.
func (h *ExamHandler) PublishExam(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.examService.Publish(c.Request.Context(), examID); err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": model.ExamStatusPublished})
}

// RefreshExamCache godoc
// POST /api/v1/admin/exams/:id/refresh-cache
// Rebuilds the cached payload of a published exam.
func (h *ExamHandler) RefreshExamCache(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.examService.RefreshCache(c.Request.Context(), examID); err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "refreshed"})
}

// GetExamResults godoc
// GET /api/v1/admin/exams/:id/results
// Lists every enrollment of the exam with its status and score.
func (h *ExamHandler) GetExamResults(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	results, err := h.enrollmentService.ListByExam(c.Request.Context(), examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if results == nil {
		results = []model.Enrollment{}
	}
	response.Success(c, http.StatusOK, gin.H{"results": results})
}
