package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// Sentinel errors for media uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrInvalidImage        = errors.New("file is not a readable image")
)

// Allowed image MIME types.
var allowedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// storedQuality is the JPEG quality of stored media.
const storedQuality = 85

// MediaService validates, normalizes and stores proctoring images.
type MediaService struct {
	cfg       *config.Config
	mediaRepo *repository.MediaRepository
	log       zerolog.Logger
}

// NewMediaService creates a new MediaService.
func NewMediaService(cfg *config.Config, mediaRepo *repository.MediaRepository, log zerolog.Logger) *MediaService {
	return &MediaService{
		cfg:       cfg,
		mediaRepo: mediaRepo,
		log:       log.With().Str("component", "media_service").Logger(),
	}
}

// NormalizedImage is an upload re-encoded for storage.
type NormalizedImage struct {
	Data          []byte
	Width, Height int
}

// NormalizeImage decodes an upload, applies its EXIF orientation, shrinks it
// to fit maxW×maxH and re-encodes it as JPEG.
func NormalizeImage(data []byte, contentType string, maxBytes int64, maxW, maxH int) (*NormalizedImage, error) {
	if !allowedMIMETypes[contentType] {
		return nil, fmt.Errorf("%w: %s (allowed: %s)",
			ErrUnsupportedFileType, contentType, strings.Join(allowedTypes(), ", "))
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, len(data), maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	if b.Dx() > maxW || b.Dy() > maxH {
		img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(storedQuality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	b = img.Bounds()
	return &NormalizedImage{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

// Upload normalizes an image, writes it under the upload directory with a
// UUID filename and records it.
func (s *MediaService) Upload(ctx context.Context, studentID int, data []byte, contentType string) (*model.Media, error) {
	p := s.cfg.Proctor
	maxW, maxH := max(p.SnapshotMaxWidth, 1280), max(p.SnapshotMaxHeight, 960)
	img, err := NormalizeImage(data, contentType, s.cfg.MaxUploadBytes, maxW, maxH)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	id := uuid.New()
	filename := id.String() + ".jpg"
	if err := os.WriteFile(filepath.Join(s.cfg.UploadDir, filename), img.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	m := &model.Media{
		ID:          id,
		StudentID:   studentID,
		Path:        "/uploads/" + filename,
		ContentType: "image/jpeg",
		Width:       img.Width,
		Height:      img.Height,
		SizeBytes:   int64(len(img.Data)),
	}
	if err := s.mediaRepo.Create(ctx, m); err != nil {
		_ = os.Remove(filepath.Join(s.cfg.UploadDir, filename))
		return nil, fmt.Errorf("record media: %w", err)
	}

	s.log.Debug().
		Str("media_id", id.String()).
		Int("student_id", studentID).
		Int64("bytes", m.SizeBytes).
		Msg("Media stored")
	return m, nil
}

// Get returns a media row.
func (s *MediaService) Get(ctx context.Context, id uuid.UUID) (*model.Media, error) {
	return s.mediaRepo.GetByID(ctx, id)
}

func allowedTypes() []string {
	types := make([]string, 0, len(allowedMIMETypes))
	for t := range allowedMIMETypes {
		types = append(types, t)
	}
	return types
}
