package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

const tenantsTable = "tenants"

type tenantRepo struct {
	db  *DB
	log *slog.Logger
}

func NewTenantRepository(db *DB, log *slog.Logger) TenantRepository {
	if log == nil {
		log = slog.Default()
	}
	return &tenantRepo{db: db, log: log}
}

func (r *tenantRepo) GetSettings(ctx context.Context, tenantID string) (*entity.TenantSettings, error) {
	q := r.db.builder().Select("settings").
		From(entsql.Table(tenantsTable)).
		Where(entsql.EQ("tenant_id", tenantID)).
		Limit(1)
	rows, err := r.db.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query tenant settings: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query tenant settings: %w", err)
		}
		return nil, common.NotFoundf("settings for tenant %s", tenantID)
	}
	var raw string
	if err := rows.Scan(&raw); err != nil {
		return nil, fmt.Errorf("scan tenant settings: %w", err)
	}
	var s entity.TenantSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode tenant settings: %w", err)
	}
	s.TenantID = tenantID
	return &s, nil
}

func (r *tenantRepo) SaveSettings(ctx context.Context, s *entity.TenantSettings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode tenant settings: %w", err)
	}
	q := r.db.builder().Insert(tenantsTable).
		Columns("tenant_id", "settings", "updated_at").
		Values(s.TenantID, string(b), toNanos(time.Now())).
		OnConflict(entsql.ConflictColumns("tenant_id"), entsql.ResolveWithNewValues())
	if _, err := r.db.exec(ctx, q); err != nil {
		return fmt.Errorf("save tenant settings: %w", err)
	}
	r.log.Info("tenant settings saved", "tenant_id", s.TenantID, "columns", len(s.Columns))
	return nil
}
