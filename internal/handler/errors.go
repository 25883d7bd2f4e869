package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor/answer"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// errorStatus maps a service error to its HTTP status and error code.
// Unknown errors are internal.
func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound),
		errors.Is(err, service.ErrEnrollmentAccess):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrExamNotPublished),
		errors.Is(err, service.ErrExamNotDraft):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrNoQuestions):
		return http.StatusUnprocessableEntity, response.ErrNoQuestions
	case errors.Is(err, service.ErrNotEnrolled):
		return http.StatusConflict, response.ErrExamNotStarted
	case errors.Is(err, service.ErrExamSubmitted):
		return http.StatusConflict, response.ErrExamSubmitted
	case errors.Is(err, service.ErrExamTimeUp):
		return http.StatusConflict, response.ErrExamTimeUp
	case errors.Is(err, service.ErrUnknownQuestion):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrInvalidAnswerKey):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, service.ErrAnswerNotJSON),
		errors.Is(err, answer.ErrInvalidAnswer),
		errors.Is(err, answer.ErrEmptyAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, service.ErrMonitoringDisabled):
		return http.StatusForbidden, response.ErrMonitoringDisabled
	case errors.Is(err, service.ErrSnapshotTypeRequired):
		return http.StatusBadRequest, response.ErrUnknownSnapshot
	case errors.Is(err, service.ErrUnsupportedFileType):
		return http.StatusUnsupportedMediaType, response.ErrUnsupportedFile
	case errors.Is(err, service.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, response.ErrFileTooLarge
	case errors.Is(err, service.ErrInvalidImage):
		return http.StatusBadRequest, response.ErrInvalidImage
	case errors.Is(err, service.ErrSessionActive):
		return http.StatusConflict, response.ErrSessionActive
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// fail writes the envelope for err, logging anything unexpected.
func fail(c *gin.Context, log zerolog.Logger, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}
