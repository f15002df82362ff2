package repository_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openSQLite(t *testing.T) *repository.Store {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "extractor.db")
	db, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: dsn}, discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close(discard()) })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if err := db.HealthCheck(ctx, time.Second, discard()); err != nil {
		t.Fatalf("health: %v", err)
	}
	return repository.NewStore(db, discard())
}

func TestSQLite_JobClaimOrder(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	q := jobqueue.New(store.Jobs, discard(), jobqueue.WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}))

	enqueue := func(tenant, batch string, prio int) *entity.Job {
		t.Helper()
		j, err := q.Enqueue(ctx, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{TenantID: tenant, BatchID: batch}, prio, 0)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		return j
	}
	enqueue("t1", "late", constants.PriorityReprocess)
	first := enqueue("t1", "b1", constants.PriorityProcess)
	enqueue("t1", "b2", constants.PriorityProcess)
	enqueue("t2", "other", constants.PriorityRedo)

	got, err := q.ClaimNext(ctx, "t1")
	if err != nil || got == nil {
		t.Fatalf("claim = %v %v", got, err)
	}
	if got.ID != first.ID || got.Status != constants.JobStatusProcessing || got.Attempts != 1 {
		t.Errorf("claimed %+v, want %s processing with attempt 1", got, first.ID)
	}

	// A second claim of the same job by a stale reader loses the race.
	ok, err := store.Jobs.Transition(ctx, first.ID, constants.JobStatusQueued, repository.JobUpdate{Status: constants.JobStatusProcessing})
	if err != nil || ok {
		t.Errorf("double claim = %v %v", ok, err)
	}

	tenants, err := q.TenantsWithWork(ctx)
	if err != nil || len(tenants) != 2 {
		t.Errorf("tenants with work = %v %v", tenants, err)
	}

	if err := q.Complete(ctx, first.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stats, err := q.StatsFor(ctx, "t1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queued != 2 || stats.Completed != 1 || stats.Total != 3 {
		t.Errorf("stats = %+v", stats)
	}

	n, err := q.CancelQueued(ctx, "t1", entity.JobFilter{BatchID: "b2"})
	if err != nil || n != 1 {
		t.Errorf("cancel = %d %v", n, err)
	}

	now = now.Add(48 * time.Hour)
	purged, err := q.PurgeFinished(ctx, 24*time.Hour)
	if err != nil || purged != 1 {
		t.Errorf("purge = %d %v", purged, err)
	}
	if _, err := store.Jobs.Get(ctx, first.ID); !common.IsNotFound(err) {
		t.Errorf("purged job still readable: %v", err)
	}
}

func TestSQLite_BatchLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	if err := store.Batches.Create(ctx, &entity.Batch{ID: "b1", TenantID: "t1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := store.Batches.Get(ctx, "b1")
	if err != nil || b.Status != constants.BatchStatusPending {
		t.Fatalf("get = %+v %v", b, err)
	}

	if err := store.Batches.SetStatus(ctx, "b1", constants.BatchStatusFailed, "model down"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := store.Batches.MarkReviewed(ctx, "b1", 4); err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}
	b, _ = store.Batches.Get(ctx, "b1")
	if b.Status != constants.BatchStatusReview || b.RowCount != 4 || b.ErrorMessage != "" || b.ProcessedAt == nil {
		t.Errorf("after review: %+v", b)
	}

	if err := store.Batches.Reset(ctx, "b1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	b, _ = store.Batches.Get(ctx, "b1")
	if b.Status != constants.BatchStatusPending || b.RowCount != 0 || b.ProcessedAt != nil {
		t.Errorf("after reset: %+v", b)
	}

	list, err := store.Batches.ListByStatus(ctx, "t1", constants.BatchStatusPending)
	if err != nil || len(list) != 1 {
		t.Errorf("list pending = %v %v", list, err)
	}
	if err := store.Batches.SetStatus(ctx, "missing", constants.BatchStatusFailed, ""); !common.IsNotFound(err) {
		t.Errorf("set status on missing batch: %v", err)
	}
}

func TestSQLite_ImagesRowsSettingsMetrics(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	for _, img := range []entity.Image{
		{ID: "img-2", BatchID: "b1", TenantID: "t1", Position: 2, StoragePath: "b1/2.png", MimeType: "image/png"},
		{ID: "img-1", BatchID: "b1", TenantID: "t1", Position: 1, StoragePath: "b1/1.pdf", MimeType: constants.MimePDF},
		{ID: "crop-1", BatchID: "b1", TenantID: "t1", StoragePath: "b1/crop.png", SourceImageID: "img-2"},
	} {
		img := img
		if err := store.Images.Create(ctx, &img); err != nil {
			t.Fatalf("create image: %v", err)
		}
	}
	imgs, err := store.Images.ListByBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(imgs) != 2 || imgs[0].ID != "img-1" || imgs[1].ID != "img-2" {
		t.Errorf("images = %+v", imgs)
	}
	crop, err := store.Images.Get(ctx, "crop-1")
	if err != nil || !crop.IsCrop() {
		t.Errorf("crop = %+v %v", crop, err)
	}

	conf := 0.9
	rows := []entity.ExtractionRow{
		{ID: "r1", BatchID: "b1", TenantID: "t1", RowIndex: 1, Status: constants.RowStatusReview,
			RowData: []entity.ExtractionResult{{ColumnID: "c1", ColumnName: "Vendor", Value: "ACME", BBox2D: []float64{1, 2, 3, 4}, Confidence: &conf}}},
		{ID: "r2", BatchID: "b1", TenantID: "t1", RowIndex: 2, Status: constants.RowStatusReview,
			RowData: []entity.ExtractionResult{{ColumnID: "c1", ColumnName: "Vendor", Value: "Globex", ImageIndex: 1}}},
	}
	if err := store.Rows.CreateMany(ctx, rows); err != nil {
		t.Fatalf("create rows: %v", err)
	}
	r1, err := store.Rows.GetByIndex(ctx, "b1", 1)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if got := r1.RowData[0]; got.Value != "ACME" || len(got.BBox2D) != 4 || got.Confidence == nil || *got.Confidence != 0.9 {
		t.Errorf("row data = %+v", got)
	}
	if err := store.Rows.UpdateData(ctx, "r2", []entity.ExtractionResult{{ColumnID: "c1", Value: "Initech"}}); err != nil {
		t.Fatalf("update row: %v", err)
	}
	r2, _ := store.Rows.GetByIndex(ctx, "b1", 2)
	if r2.RowData[0].Value != "Initech" {
		t.Errorf("updated row = %+v", r2.RowData)
	}
	if _, err := store.Rows.GetByIndex(ctx, "b1", 9); !common.IsNotFound(err) {
		t.Errorf("missing row: %v", err)
	}
	if n, err := store.Rows.DeleteByBatch(ctx, "b1"); err != nil || n != 2 {
		t.Errorf("delete rows = %d %v", n, err)
	}

	if _, err := store.Tenants.GetSettings(ctx, "t1"); !common.IsNotFound(err) {
		t.Errorf("settings before save: %v", err)
	}
	timeout := 30
	settings := &entity.TenantSettings{
		TenantID:       "t1",
		Model:          "vision-1",
		TimeoutSeconds: &timeout,
		UseTOON:        true,
		Columns:        []entity.Column{{ID: "c1", Name: "Vendor"}},
	}
	if err := store.Tenants.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	settings.Model = "vision-2"
	if err := store.Tenants.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("overwrite settings: %v", err)
	}
	got, err := store.Tenants.GetSettings(ctx, "t1")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if got.Model != "vision-2" || !got.UseTOON || got.Timeout(time.Minute) != 30*time.Second || len(got.Columns) != 1 {
		t.Errorf("settings = %+v", got)
	}

	count, tokens := 3, 120
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &entity.ProcessingMetric{
		ID: "m1", BatchID: "b1", TenantID: "t1", JobType: constants.JobTypeProcessBatch,
		StartTime: start, EndTime: start.Add(2 * time.Second), Status: "success",
		ImageCount: 2, ExtractionCount: &count, ModelUsed: "vision-2", TokensUsed: &tokens,
	}
	if err := store.Metrics.Append(ctx, m); err != nil {
		t.Fatalf("append metric: %v", err)
	}
	ms, err := store.Metrics.ListByBatch(ctx, "b1")
	if err != nil || len(ms) != 1 {
		t.Fatalf("list metrics = %v %v", ms, err)
	}
	if ms[0].ExtractionCount == nil || *ms[0].ExtractionCount != 3 || !ms[0].EndTime.Equal(m.EndTime) {
		t.Errorf("metric = %+v", ms[0])
	}
}
