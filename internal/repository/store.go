package repository

import "log/slog"

// NewStore builds every SQL-backed repository over one database.
func NewStore(db *DB, logger *slog.Logger) *Store {
	return &Store{
		Jobs:    NewJobRepository(db, logger),
		Batches: NewBatchRepository(db, logger),
		Images:  NewImageRepository(db, logger),
		Rows:    NewRowRepository(db, logger),
		Tenants: NewTenantRepository(db, logger),
		Metrics: NewMetricRepository(db, logger),
	}
}
