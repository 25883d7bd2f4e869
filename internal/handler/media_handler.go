package handler

import (
	"errors"
	"net/http"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// MediaHandler serves stored proctoring media to administrators.
type MediaHandler struct {
	mediaService *service.MediaService
	uploadDir    string
	log          zerolog.Logger
}

// NewMediaHandler creates a new MediaHandler.
func NewMediaHandler(mediaService *service.MediaService, uploadDir string, log zerolog.Logger) *MediaHandler {
	return &MediaHandler{
		mediaService: mediaService,
		uploadDir:    uploadDir,
		log:          log.With().Str("component", "media_handler").Logger(),
	}
}

// GetMedia godoc
// GET /api/v1/admin/media/:id
// Streams a stored snapshot.
func (h *MediaHandler) GetMedia(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	m, err := h.mediaService.Get(c.Request.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	if err != nil {
		fail(c, h.log, err)
		return
	}

	c.Header("Content-Type", m.ContentType)
	c.File(filepath.Join(h.uploadDir, path.Base(m.Path)))
}

// GetMediaInfo godoc
// GET /api/v1/admin/media/:id/info
func (h *MediaHandler) GetMediaInfo(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	m, err := h.mediaService.Get(c.Request.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, m)
}
