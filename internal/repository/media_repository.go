package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MediaRepository handles uploaded media metadata.
type MediaRepository struct {
	pool *pgxpool.Pool
}

// NewMediaRepository creates a new MediaRepository.
func NewMediaRepository(pool *pgxpool.Pool) *MediaRepository {
	return &MediaRepository{pool: pool}
}

// Create inserts a media row. The ID is chosen by the caller so it matches
// the stored file name.
func (r *MediaRepository) Create(ctx context.Context, m *model.Media) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO media (id, student_id, path, content_type, width, height, size_bytes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		m.ID, m.StudentID, m.Path, m.ContentType, m.Width, m.Height, m.SizeBytes,
	).Scan(&m.CreatedAt)
}

// GetByID retrieves a media row.
func (r *MediaRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Media, error) {
	m := &model.Media{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, student_id, path, content_type, width, height, size_bytes, created_at
		 FROM media WHERE id = $1`, id,
	).Scan(&m.ID, &m.StudentID, &m.Path, &m.ContentType, &m.Width, &m.Height, &m.SizeBytes, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}
