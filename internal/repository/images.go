package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

const imagesTable = "images"

var imageColumns = []string{
	"id", "batch_id", "tenant_id", "sort_order", "file_name", "mime_type", "storage_path", "source_image_id", "created_at",
}

type imageRepo struct {
	db  *DB
	log *slog.Logger
}

func NewImageRepository(db *DB, log *slog.Logger) ImageRepository {
	if log == nil {
		log = slog.Default()
	}
	return &imageRepo{db: db, log: log}
}

func (r *imageRepo) Create(ctx context.Context, img *entity.Image) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}
	q := r.db.builder().Insert(imagesTable).
		Columns(imageColumns...).
		Values(img.ID, img.BatchID, img.TenantID, img.Position, img.FileName, img.MimeType,
			img.StoragePath, img.SourceImageID, toNanos(img.CreatedAt))
	if _, err := r.db.exec(ctx, q); err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *imageRepo) Get(ctx context.Context, id string) (*entity.Image, error) {
	q := r.db.builder().Select(imageColumns...).
		From(entsql.Table(imagesTable)).
		Where(entsql.EQ("id", id)).
		Limit(1)
	out, err := r.list(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NotFoundf("image %s", id)
	}
	return &out[0], nil
}

func (r *imageRepo) ListByBatch(ctx context.Context, batchID string) ([]entity.Image, error) {
	q := r.db.builder().Select(imageColumns...).
		From(entsql.Table(imagesTable)).
		Where(entsql.And(entsql.EQ("batch_id", batchID), entsql.EQ("source_image_id", ""))).
		OrderBy("sort_order", "created_at")
	return r.list(ctx, q)
}

func (r *imageRepo) list(ctx context.Context, q *entsql.Selector) ([]entity.Image, error) {
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var out []entity.Image
	for rows.Next() {
		var (
			img       entity.Image
			createdAt int64
		)
		if err := rows.Scan(&img.ID, &img.BatchID, &img.TenantID, &img.Position, &img.FileName, &img.MimeType,
			&img.StoragePath, &img.SourceImageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		img.CreatedAt = fromNanos(createdAt)
		out = append(out, img)
	}
	return out, rows.Err()
}
