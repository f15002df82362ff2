package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/convert"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/llm"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
	"github.com/jbndrf/Tabtin-sub001/internal/repository/memstore"
)

const tenant = "t1"

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *memBlobs) Read(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[path]
	if !ok {
		return nil, common.NotFoundf("blob %s", path)
	}
	return d, nil
}

func (b *memBlobs) Write(_ context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[path] = data
	return nil
}

type stubConverter struct{ pages []convert.Page }

func (c stubConverter) Convert(context.Context, []byte) ([]convert.Page, error) {
	return c.pages, nil
}

type replyFunc func(call int, parts []llm.ContentPart) (llm.Completion, error)

type fakeClient struct {
	mu    sync.Mutex
	calls [][]llm.ContentPart
	reply replyFunc
}

func (c *fakeClient) Complete(_ context.Context, ep llm.Endpoint, parts []llm.ContentPart) (llm.Completion, error) {
	c.mu.Lock()
	c.calls = append(c.calls, parts)
	n := len(c.calls)
	c.mu.Unlock()
	comp, err := c.reply(n, parts)
	if comp.Model == "" {
		comp.Model = ep.Model
	}
	return comp, err
}

func (c *fakeClient) lastCall() []llm.ContentPart {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1]
}

func staticReply(text string) replyFunc {
	return func(int, []llm.ContentPart) (llm.Completion, error) {
		tokens := 42
		return llm.Completion{Content: text, TotalTokens: &tokens}, nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []entity.BatchEvent
}

func (l *eventLog) Publish(ev entity.BatchEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) statuses(batchID string) []constants.BatchStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []constants.BatchStatus
	for _, ev := range l.events {
		if ev.BatchID == batchID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type harness struct {
	store  *repository.Store
	queue  *jobqueue.Queue
	blobs  *memBlobs
	client *fakeClient
	events *eventLog
	exec   *Executor
}

var testColumns = []entity.Column{
	{ID: "c1", Name: "Vendor"},
	{ID: "c2", Name: "Total"},
}

func newHarness(t *testing.T, reply replyFunc, cfg Config, conv convert.Converter) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New().Store()
	q := jobqueue.New(store.Jobs, logger, jobqueue.WithSleep(func(context.Context, time.Duration) error { return nil }))
	h := &harness{
		store:  store,
		queue:  q,
		blobs:  &memBlobs{data: map[string][]byte{}},
		client: &fakeClient{reply: reply},
		events: &eventLog{},
	}
	if cfg.DefaultMaxConcurrency == 0 {
		cfg.DefaultMaxConcurrency = 2
	}
	h.exec = New(tenant, cfg, Deps{
		Queue:     q,
		Store:     store,
		Blobs:     h.blobs,
		Converter: conv,
		Client:    h.client,
		Events:    h.events,
		Logger:    logger,
	})
	err := store.Tenants.SaveSettings(context.Background(), &entity.TenantSettings{
		TenantID: tenant,
		Model:    "vision-test",
		MultiRow: true,
		Columns:  testColumns,
	})
	if err != nil {
		t.Fatalf("save settings: %v", err)
	}
	return h
}

func (h *harness) addBatch(t *testing.T, batchID string, images ...entity.Image) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.Batches.Create(ctx, &entity.Batch{ID: batchID, TenantID: tenant, Status: constants.BatchStatusPending}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	for i, img := range images {
		img.BatchID = batchID
		img.TenantID = tenant
		if img.Position == 0 {
			img.Position = i
		}
		if img.StoragePath == "" {
			img.StoragePath = batchID + "/" + img.ID
		}
		if err := h.store.Images.Create(ctx, &img); err != nil {
			t.Fatalf("create image: %v", err)
		}
		_ = h.blobs.Write(ctx, img.StoragePath, []byte("bytes-of-"+img.ID))
	}
}

func (h *harness) enqueue(t *testing.T, jobType constants.JobType, payload any, maxAttempts int) *entity.Job {
	t.Helper()
	job, err := h.queue.Enqueue(context.Background(), jobType, payload, constants.PriorityProcess, maxAttempts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// runNext claims and handles one job, then returns its stored state.
func (h *harness) runNext(t *testing.T) *entity.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.queue.ClaimNext(ctx, tenant)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatalf("no job to claim")
	}
	h.exec.handle(job)
	stored, err := h.store.Jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return stored
}

func png(id string) entity.Image {
	return entity.Image{ID: id, FileName: id + ".png", MimeType: "image/png"}
}

const twoRowReply = `{"extractions": [
	{"column_id": "c1", "value": "ACME", "image_index": 0, "row_index": 0},
	{"column_id": "c2", "value": "10.00", "image_index": 0, "row_index": 0},
	{"column_id": "c1", "value": "Globex", "image_index": 1, "row_index": 1},
	{"column_id": "c2", "value": "20.00", "image_index": 1, "row_index": 1}
]}`

func TestProcessBatch_StoresRowsAndMarksReview(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
	h.addBatch(t, "b1", png("img-1"), png("img-2"))
	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)

	job := h.runNext(t)
	if job.Status != constants.JobStatusCompleted {
		t.Fatalf("job status = %s (%s), want completed", job.Status, job.LastError)
	}

	ctx := context.Background()
	batch, _ := h.store.Batches.Get(ctx, "b1")
	if batch.Status != constants.BatchStatusReview || batch.RowCount != 2 {
		t.Fatalf("batch = %s rows %d, want review rows 2", batch.Status, batch.RowCount)
	}
	rows, _ := h.store.Rows.ListByBatch(ctx, "b1")
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for i, row := range rows {
		if row.RowIndex != i+1 {
			t.Errorf("row %d index = %d, want %d", i, row.RowIndex, i+1)
		}
		if row.Status != constants.RowStatusReview {
			t.Errorf("row %d status = %s", i, row.Status)
		}
		if len(row.RowData) != 2 {
			t.Fatalf("row %d has %d values", i, len(row.RowData))
		}
		for _, r := range row.RowData {
			if r.RowIndex != nil {
				t.Errorf("stored result keeps row_index %d", *r.RowIndex)
			}
		}
	}
	if got := rows[1].RowData[0].Value; got != "Globex" {
		t.Errorf("row 2 vendor = %v", got)
	}
	if got := rows[1].RowData[0].ImageIndex; got != 1 {
		t.Errorf("row 2 image_index = %d", got)
	}

	parts := h.client.lastCall()
	if len(parts) != 3 || parts[0].Type != "text" || parts[1].ImageURL == nil {
		t.Fatalf("request parts = %+v", parts)
	}

	metrics, _ := h.store.Metrics.ListByBatch(ctx, "b1")
	if len(metrics) != 1 {
		t.Fatalf("metrics = %d, want 1", len(metrics))
	}
	m := metrics[0]
	if m.Status != entity.MetricStatusSuccess || m.ImageCount != 2 || m.ModelUsed != "vision-test" {
		t.Errorf("metric = %+v", m)
	}
	if m.ExtractionCount == nil || *m.ExtractionCount != 4 || m.TokensUsed == nil || *m.TokensUsed != 42 {
		t.Errorf("metric counts = %v %v", m.ExtractionCount, m.TokensUsed)
	}

	want := []constants.BatchStatus{constants.BatchStatusProcessing, constants.BatchStatusReview}
	if got := h.events.statuses("b1"); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestProcessBatch_PDFPagesAndTextLayer(t *testing.T) {
	conv := stubConverter{pages: []convert.Page{
		{PageNumber: 1, Image: []byte("p1"), MimeType: "image/png", Text: "INVOICE 0042"},
		{PageNumber: 2, Image: []byte("p2"), MimeType: "image/png"},
	}}
	h := newHarness(t, staticReply(`{"Vendor": "ACME", "Total": "5"}`), Config{}, conv)
	h.addBatch(t, "b1", png("img-1"), entity.Image{ID: "doc", FileName: "scan.pdf", MimeType: constants.MimePDF})
	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)

	if job := h.runNext(t); job.Status != constants.JobStatusCompleted {
		t.Fatalf("job status = %s (%s)", job.Status, job.LastError)
	}

	parts := h.client.lastCall()
	if len(parts) != 4 {
		t.Fatalf("parts = %d, want prompt + 1 image + 2 pages", len(parts))
	}
	if !strings.Contains(parts[0].Text, "3 image(s)") {
		t.Errorf("prompt does not count pages: %q", parts[0].Text[:80])
	}
	if !strings.Contains(parts[0].Text, "--- image 1 (page 1) ---\nINVOICE 0042") {
		t.Errorf("prompt lacks text layer")
	}
	rows, _ := h.store.Rows.ListByBatch(context.Background(), "b1")
	if len(rows) != 1 || len(rows[0].RowData) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestProcessBatch_MalformedReplyRetriesThenFails(t *testing.T) {
	h := newHarness(t, staticReply("I could not read this document."), Config{}, nil)
	h.addBatch(t, "b1", png("img-1"))
	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 2)

	job := h.runNext(t)
	if job.Status != constants.JobStatusQueued || job.Attempts != 1 {
		t.Fatalf("after first failure: %s attempts %d, want queued 1", job.Status, job.Attempts)
	}
	batch, _ := h.store.Batches.Get(context.Background(), "b1")
	if batch.Status != constants.BatchStatusFailed || !strings.Contains(batch.ErrorMessage, "could not parse model reply") {
		t.Fatalf("batch = %s %q", batch.Status, batch.ErrorMessage)
	}

	job = h.runNext(t)
	if job.Status != constants.JobStatusFailed || job.Attempts != 2 {
		t.Fatalf("after second failure: %s attempts %d, want failed 2", job.Status, job.Attempts)
	}
	if !strings.Contains(job.LastError, "MALFORMED_REPLY") {
		t.Errorf("last error = %q", job.LastError)
	}
	metrics, _ := h.store.Metrics.ListByBatch(context.Background(), "b1")
	if len(metrics) != 2 || metrics[1].Status != entity.MetricStatusFailed || metrics[1].ErrorMessage == "" {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestProcessBatch_TransientErrorThenSuccess(t *testing.T) {
	reply := func(call int, parts []llm.ContentPart) (llm.Completion, error) {
		if call < 3 {
			return llm.Completion{}, &llm.StatusError{Code: 503, Body: "overloaded"}
		}
		return llm.Completion{Content: twoRowReply}, nil
	}
	h := newHarness(t, reply, Config{}, nil)
	h.addBatch(t, "b1", png("img-1"))
	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)

	h.runNext(t)
	h.runNext(t)
	job := h.runNext(t)
	if job.Status != constants.JobStatusCompleted || job.Attempts != 3 {
		t.Fatalf("job = %s attempts %d, want completed 3", job.Status, job.Attempts)
	}
	batch, _ := h.store.Batches.Get(context.Background(), "b1")
	if batch.Status != constants.BatchStatusReview || batch.ErrorMessage != "" {
		t.Fatalf("batch = %s %q", batch.Status, batch.ErrorMessage)
	}
}

func TestProcessBatch_ContractErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		want  string
	}{
		{
			name: "no settings",
			setup: func(t *testing.T, h *harness) {
				h.store.Tenants = memstore.New().Store().Tenants
				h.addBatch(t, "b1", png("img-1"))
			},
			want: "no extraction settings",
		},
		{
			name: "no images",
			setup: func(t *testing.T, h *harness) {
				h.addBatch(t, "b1")
			},
			want: "has no images",
		},
		{
			name: "missing file",
			setup: func(t *testing.T, h *harness) {
				h.addBatch(t, "b1", png("img-1"))
				h.blobs.data = map[string][]byte{}
			},
			want: "has no stored file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
			tt.setup(t, h)
			h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)

			job := h.runNext(t)
			if job.Status != constants.JobStatusFailed || job.Attempts != 1 {
				t.Fatalf("job = %s attempts %d, want failed after 1", job.Status, job.Attempts)
			}
			if !strings.Contains(job.LastError, tt.want) {
				t.Errorf("last error = %q, want %q", job.LastError, tt.want)
			}
			batch, _ := h.store.Batches.Get(context.Background(), "b1")
			if batch.Status != constants.BatchStatusFailed || !strings.Contains(batch.ErrorMessage, tt.want) {
				t.Errorf("batch = %s %q", batch.Status, batch.ErrorMessage)
			}
		})
	}
}

func TestProcessBatch_DiscardsResultWhenBatchChanged(t *testing.T) {
	tests := []struct {
		name   string
		change func(ctx context.Context, s *repository.Store) error
	}{
		{"deleted", func(ctx context.Context, s *repository.Store) error { return s.Batches.Delete(ctx, "b1") }},
		{"reset", func(ctx context.Context, s *repository.Store) error { return s.Batches.Reset(ctx, "b1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h *harness
			reply := func(int, []llm.ContentPart) (llm.Completion, error) {
				if err := tt.change(context.Background(), h.store); err != nil {
					return llm.Completion{}, err
				}
				return llm.Completion{Content: twoRowReply}, nil
			}
			h = newHarness(t, reply, Config{}, nil)
			h.addBatch(t, "b1", png("img-1"))
			h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)

			job := h.runNext(t)
			if job.Status != constants.JobStatusCompleted {
				t.Fatalf("job = %s (%s), want completed", job.Status, job.LastError)
			}
			ctx := context.Background()
			rows, _ := h.store.Rows.ListByBatch(ctx, "b1")
			if len(rows) != 0 {
				t.Errorf("rows written for a changed batch: %d", len(rows))
			}
			metrics, _ := h.store.Metrics.ListByBatch(ctx, "b1")
			if len(metrics) != 0 {
				t.Errorf("metrics recorded for a discarded job: %d", len(metrics))
			}
		})
	}
}

func TestProcessBatch_GoneBatchIsSuccess(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "missing", TenantID: tenant}, 3)
	if job := h.runNext(t); job.Status != constants.JobStatusCompleted {
		t.Fatalf("job = %s, want completed", job.Status)
	}
	if n := len(h.client.calls); n != 0 {
		t.Errorf("model called %d times for a missing batch", n)
	}
}

// seedRows stores n reviewed rows with a vendor and a total each.
func seedRows(t *testing.T, h *harness, batchID string, n int) {
	t.Helper()
	rows := make([]entity.ExtractionRow, n)
	for i := range rows {
		rows[i] = entity.ExtractionRow{
			ID:       fmt.Sprintf("row-%d", i+1),
			BatchID:  batchID,
			TenantID: tenant,
			RowIndex: i + 1,
			Status:   constants.RowStatusReview,
			RowData: []entity.ExtractionResult{
				{ColumnID: "c1", ColumnName: "Vendor", Value: fmt.Sprintf("vendor %d", i+1)},
				{ColumnID: "c2", ColumnName: "Total", Value: fmt.Sprintf("%d.00", i+1), BBox2D: []float64{1, 2, 3, 4}},
			},
		}
	}
	if err := h.store.Rows.CreateMany(context.Background(), rows); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
}

func snapshot(t *testing.T, s *repository.Store, batchID string) map[int][]byte {
	t.Helper()
	rows, err := s.Rows.ListByBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	out := map[int][]byte{}
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal row: %v", err)
		}
		out[r.RowIndex] = b
	}
	return out
}

func TestProcessRedo_OnlyTargetRowChanges(t *testing.T) {
	h := newHarness(t, staticReply(`{"column_id": "c2", "value": "99.00", "image_index": 0}`), Config{}, nil)
	h.addBatch(t, "b1", png("img-1"), png("img-2"))
	ctx := context.Background()
	crop := entity.Image{ID: "crop-1", BatchID: "b1", TenantID: tenant, FileName: "crop.png", MimeType: "image/png",
		StoragePath: "b1/crop-1", SourceImageID: "img-2"}
	if err := h.store.Images.Create(ctx, &crop); err != nil {
		t.Fatalf("create crop: %v", err)
	}
	_ = h.blobs.Write(ctx, crop.StoragePath, []byte("crop"))
	_ = h.store.Batches.MarkReviewed(ctx, "b1", 5)
	seedRows(t, h, "b1", 5)

	before := snapshot(t, h.store, "b1")

	h.enqueue(t, constants.JobTypeProcessRedo, entity.RedoPayload{
		BatchID:         "b1",
		TenantID:        tenant,
		RowIndex:        3,
		RedoColumnIDs:   []string{"c2"},
		CroppedImageIDs: map[string]string{"c2": "crop-1"},
	}, 3)
	if job := h.runNext(t); job.Status != constants.JobStatusCompleted {
		t.Fatalf("job = %s (%s)", job.Status, job.LastError)
	}

	after := snapshot(t, h.store, "b1")
	for idx, b := range before {
		if idx == 3 {
			continue
		}
		if !bytes.Equal(b, after[idx]) {
			t.Errorf("row %d changed:\nbefore %s\nafter  %s", idx, b, after[idx])
		}
	}

	row, err := h.store.Rows.GetByIndex(ctx, "b1", 3)
	if err != nil {
		t.Fatalf("get row 3: %v", err)
	}
	if len(row.RowData) != 2 {
		t.Fatalf("row 3 data = %+v", row.RowData)
	}
	if row.RowData[0].Value != "vendor 3" {
		t.Errorf("kept column changed: %v", row.RowData[0].Value)
	}
	total := row.RowData[1]
	if total.Value != "99.00" || total.ImageIndex != 1 {
		t.Errorf("redone column = %+v, want 99.00 from image 1", total)
	}
	if total.BBox2D != nil {
		t.Errorf("redone column kept stale bbox %v", total.BBox2D)
	}

	parts := h.client.lastCall()
	if len(parts) != 2 || !strings.Contains(parts[0].Text, `column "Total"`) {
		t.Errorf("redo request = %+v", parts)
	}
	batch, _ := h.store.Batches.Get(ctx, "b1")
	if batch.Status != constants.BatchStatusReview {
		t.Errorf("batch status = %s", batch.Status)
	}
}

func TestProcessRedo_MissingCropIsContractError(t *testing.T) {
	h := newHarness(t, staticReply(`{}`), Config{}, nil)
	h.addBatch(t, "b1", png("img-1"))
	seedRows(t, h, "b1", 1)
	h.enqueue(t, constants.JobTypeProcessRedo, entity.RedoPayload{
		BatchID:         "b1",
		TenantID:        tenant,
		RowIndex:        1,
		RedoColumnIDs:   []string{"c2"},
		CroppedImageIDs: map[string]string{"c2": "nope"},
	}, 3)
	job := h.runNext(t)
	if job.Status != constants.JobStatusFailed || job.Attempts != 1 {
		t.Fatalf("job = %s attempts %d", job.Status, job.Attempts)
	}
	batch, _ := h.store.Batches.Get(context.Background(), "b1")
	if batch.Status == constants.BatchStatusFailed {
		t.Errorf("a failed redo must not fail the batch")
	}
}

func TestProcessRedo_GoneRowIsSuccess(t *testing.T) {
	h := newHarness(t, staticReply(`{}`), Config{}, nil)
	h.addBatch(t, "b1", png("img-1"))
	h.enqueue(t, constants.JobTypeProcessRedo, entity.RedoPayload{
		BatchID:         "b1",
		TenantID:        tenant,
		RowIndex:        7,
		RedoColumnIDs:   []string{"c2"},
		CroppedImageIDs: map[string]string{"c2": "crop"},
	}, 3)
	if job := h.runNext(t); job.Status != constants.JobStatusCompleted {
		t.Fatalf("job = %s", job.Status)
	}
}

func TestMergeRow(t *testing.T) {
	current := []entity.ExtractionResult{
		{ColumnID: "a", Value: "1"},
		{ColumnID: "b", Value: "2"},
		{ColumnID: "c", Value: "3"},
	}
	fresh := map[string]entity.ExtractionResult{
		"b": {ColumnID: "b", Value: "20"},
		"d": {ColumnID: "d", Value: "40"},
	}
	got := mergeRow(current, []string{"d", "b", "c"}, fresh)
	var ids, values []string
	for _, r := range got {
		ids = append(ids, r.ColumnID)
		values = append(values, fmt.Sprint(r.Value))
	}
	if strings.Join(ids, ",") != "a,b,c,d" || strings.Join(values, ",") != "1,20,3,40" {
		t.Fatalf("merged = %v %v", ids, values)
	}
}

func TestReprocessBatch_ResetsAndRequeues(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
	ctx := context.Background()
	h.addBatch(t, "b1", png("img-1"))
	_ = h.store.Batches.MarkReviewed(ctx, "b1", 3)
	seedRows(t, h, "b1", 3)

	h.enqueue(t, constants.JobTypeReprocessBatch, entity.ReprocessBatchPayload{BatchIDs: []string{"b1", "gone"}, TenantID: tenant}, 3)
	if job := h.runNext(t); job.Status != constants.JobStatusCompleted {
		t.Fatalf("reprocess job = %s (%s)", job.Status, job.LastError)
	}

	batch, _ := h.store.Batches.Get(ctx, "b1")
	if batch.Status != constants.BatchStatusPending || batch.RowCount != 0 || batch.ProcessedAt != nil {
		t.Fatalf("batch after reset = %+v", batch)
	}
	if rows, _ := h.store.Rows.ListByBatch(ctx, "b1"); len(rows) != 0 {
		t.Fatalf("rows left after reset: %d", len(rows))
	}
	stats, _ := h.queue.StatsFor(ctx, tenant)
	if stats.Queued != 1 {
		t.Fatalf("queued jobs = %d, want 1", stats.Queued)
	}

	job := h.runNext(t)
	if job.Type != constants.JobTypeProcessBatch || job.Status != constants.JobStatusCompleted {
		t.Fatalf("follow-up job = %s %s", job.Type, job.Status)
	}
	rows, _ := h.store.Rows.ListByBatch(ctx, "b1")
	if len(rows) != 2 {
		t.Errorf("rows after reprocess = %d, want 2", len(rows))
	}
}

func TestReprocessBatch_ReplacesQueuedProcessJob(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
	ctx := context.Background()
	h.addBatch(t, "b1", png("img-1"))
	reprocess, err := h.queue.Enqueue(ctx, constants.JobTypeReprocessBatch,
		entity.ReprocessBatchPayload{BatchIDs: []string{"b1"}, TenantID: tenant}, constants.PriorityRedo, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stale := h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)

	if job := h.runNext(t); job.ID != reprocess.ID {
		t.Fatalf("claimed %s first, want the reprocess job", job.Type)
	}
	if _, err := h.store.Jobs.Get(ctx, stale.ID); !common.IsNotFound(err) {
		t.Errorf("stale process job still present: %v", err)
	}
	stats, _ := h.queue.StatsFor(ctx, tenant)
	if stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", stats.Queued)
	}
}

func addForeignBatch(t *testing.T, h *harness, batchID string, rows int) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.Batches.Create(ctx, &entity.Batch{ID: batchID, TenantID: "other", Status: constants.BatchStatusPending}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	img := entity.Image{ID: batchID + "-img", BatchID: batchID, TenantID: "other", FileName: "a.png", MimeType: "image/png", StoragePath: batchID + "/a.png"}
	if err := h.store.Images.Create(ctx, &img); err != nil {
		t.Fatalf("create image: %v", err)
	}
	_ = h.blobs.Write(ctx, img.StoragePath, []byte("foreign"))
	_ = h.store.Batches.MarkReviewed(ctx, batchID, rows)
	list := make([]entity.ExtractionRow, rows)
	for i := range list {
		list[i] = entity.ExtractionRow{
			ID: fmt.Sprintf("%s-row-%d", batchID, i+1), BatchID: batchID, TenantID: "other",
			RowIndex: i + 1, Status: constants.RowStatusReview,
			RowData: []entity.ExtractionResult{{ColumnID: "c1", Value: "theirs"}},
		}
	}
	if err := h.store.Rows.CreateMany(ctx, list); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
}

func TestReprocessBatch_SkipsOtherTenantsBatch(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
	ctx := context.Background()
	addForeignBatch(t, h, "foreign", 5)

	h.enqueue(t, constants.JobTypeReprocessBatch, entity.ReprocessBatchPayload{BatchIDs: []string{"foreign"}, TenantID: tenant}, 3)
	if job := h.runNext(t); job.Status != constants.JobStatusCompleted {
		t.Fatalf("reprocess job = %s (%s)", job.Status, job.LastError)
	}

	batch, _ := h.store.Batches.Get(ctx, "foreign")
	if batch.Status != constants.BatchStatusReview || batch.RowCount != 5 {
		t.Errorf("foreign batch touched: status=%s rows=%d", batch.Status, batch.RowCount)
	}
	if rows, _ := h.store.Rows.ListByBatch(ctx, "foreign"); len(rows) != 5 {
		t.Errorf("foreign rows = %d, want 5", len(rows))
	}
	if stats, _ := h.queue.StatsFor(ctx, tenant); stats.Queued != 0 {
		t.Errorf("process job queued for a foreign batch")
	}
}

func TestProcessBatch_RejectsOtherTenantsBatch(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
	ctx := context.Background()
	addForeignBatch(t, h, "foreign", 2)

	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "foreign", TenantID: tenant}, 3)
	job := h.runNext(t)
	if job.Status != constants.JobStatusFailed || job.Attempts != 1 || !strings.Contains(job.LastError, "another tenant") {
		t.Fatalf("job = %s attempts %d %q", job.Status, job.Attempts, job.LastError)
	}
	if h.client.lastCall() != nil {
		t.Errorf("model called for a foreign batch")
	}
	batch, _ := h.store.Batches.Get(ctx, "foreign")
	if batch.Status != constants.BatchStatusReview || batch.ErrorMessage != "" {
		t.Errorf("foreign batch changed: %s %q", batch.Status, batch.ErrorMessage)
	}
	rows, _ := h.store.Rows.ListByBatch(ctx, "foreign")
	if len(rows) != 2 || rows[0].TenantID != "other" {
		t.Errorf("foreign rows = %+v", rows)
	}
}

func TestProcessRedo_RejectsOtherTenantsRow(t *testing.T) {
	h := newHarness(t, staticReply(`{"c1":"mine"}`), Config{}, nil)
	addForeignBatch(t, h, "foreign", 1)
	h.enqueue(t, constants.JobTypeProcessRedo, entity.RedoPayload{
		BatchID:         "foreign",
		TenantID:        tenant,
		RowIndex:        1,
		RedoColumnIDs:   []string{"c1"},
		CroppedImageIDs: map[string]string{"c1": "foreign-img"},
	}, 3)
	job := h.runNext(t)
	if job.Status != constants.JobStatusFailed || job.Attempts != 1 || !strings.Contains(job.LastError, "another tenant") {
		t.Fatalf("job = %s attempts %d %q", job.Status, job.Attempts, job.LastError)
	}
	if h.client.lastCall() != nil {
		t.Errorf("model called for a foreign row")
	}
	rows, _ := h.store.Rows.ListByBatch(context.Background(), "foreign")
	if len(rows) != 1 || rows[0].RowData[0].Value != "theirs" {
		t.Errorf("foreign row changed: %+v", rows)
	}
}

func TestRecovery_ResetsOrphanedProcessingBatches(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{}, nil)
	ctx := context.Background()
	h.addBatch(t, "orphan", png("i1"))
	h.addBatch(t, "busy", png("i2"))
	_ = h.store.Batches.SetStatus(ctx, "orphan", constants.BatchStatusProcessing, "")
	_ = h.store.Batches.SetStatus(ctx, "busy", constants.BatchStatusProcessing, "")

	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "busy", TenantID: tenant}, 3)
	if job, err := h.queue.ClaimNext(ctx, tenant); err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}

	if err := h.exec.recoverState(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	orphan, _ := h.store.Batches.Get(ctx, "orphan")
	busy, _ := h.store.Batches.Get(ctx, "busy")
	if orphan.Status != constants.BatchStatusPending {
		t.Errorf("orphan = %s, want pending", orphan.Status)
	}
	if busy.Status != constants.BatchStatusProcessing {
		t.Errorf("busy = %s, want processing", busy.Status)
	}
}

func TestRecovery_RequeuesStaleJobs(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{StaleAfter: time.Nanosecond}, nil)
	ctx := context.Background()
	h.addBatch(t, "b1", png("i1"))
	h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)
	job, err := h.queue.ClaimNext(ctx, tenant)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	_ = h.store.Batches.SetStatus(ctx, "b1", constants.BatchStatusProcessing, "")
	time.Sleep(time.Millisecond)

	if err := h.exec.recoverState(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	stored, _ := h.store.Jobs.Get(ctx, job.ID)
	if stored.Status != constants.JobStatusQueued {
		t.Errorf("job = %s, want queued", stored.Status)
	}
	batch, _ := h.store.Batches.Get(ctx, "b1")
	if batch.Status != constants.BatchStatusPending {
		t.Errorf("batch = %s, want pending", batch.Status)
	}
}

func TestSettingsReconfigureLimiter(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{DefaultRequestsPerMinute: 30}, nil)
	ctx := context.Background()
	s, _ := h.store.Tenants.GetSettings(ctx, tenant)
	s.MaxConcurrency = 5
	_ = h.store.Tenants.SaveSettings(ctx, s)

	if _, err := h.exec.refreshSettings(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	cfg := h.exec.limiter.Config()
	if cfg.MaxConcurrency != 5 || cfg.RequestsPerMinute != 30 {
		t.Fatalf("limiter config = %+v", cfg)
	}
}

func TestEndpointFor(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{DefaultTimeout: time.Minute}, nil)
	zero := 0
	s := &entity.TenantSettings{Model: " m ", Columns: testColumns, StructuredOutput: true, TimeoutSeconds: &zero}

	ep := h.exec.endpointFor(s)
	if ep.Model != "m" || ep.Temperature != nil || ep.Timeout == nil || *ep.Timeout != 0 {
		t.Errorf("endpoint = %+v", ep)
	}
	if ep.Schema == nil {
		t.Errorf("structured output requested but no schema sent")
	}

	s.UseTOON = true
	s.TimeoutSeconds = nil
	ep = h.exec.endpointFor(s)
	if ep.Schema != nil {
		t.Errorf("schema sent with a TOON prompt")
	}
	if *ep.Timeout != time.Minute {
		t.Errorf("default timeout = %v", *ep.Timeout)
	}
}

func TestRun_DrainsQueueThenStopsWhenIdle(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{PollInterval: 5 * time.Millisecond, IdleTimeout: 50 * time.Millisecond}, nil)
	h.addBatch(t, "b1", png("img-1"))
	h.addBatch(t, "b2", png("img-2"))
	first := h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b1", TenantID: tenant}, 3)
	second := h.enqueue(t, constants.JobTypeProcessBatch, entity.ProcessBatchPayload{BatchID: "b2", TenantID: tenant}, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("executor did not stop when idle")
	}

	for _, j := range []*entity.Job{first, second} {
		stored, _ := h.store.Jobs.Get(context.Background(), j.ID)
		if stored.Status != constants.JobStatusCompleted {
			t.Errorf("job %s = %s", j.ID, stored.Status)
		}
	}
	stats := h.exec.Stats()
	if stats.Completed != 2 || stats.InFlight != 0 || stats.LastJobAt == nil {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, staticReply(twoRowReply), Config{PollInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("executor did not stop")
	}
}
