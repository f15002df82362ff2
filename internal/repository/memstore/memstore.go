// Package memstore is an in-memory record store implementing every repository interface.
// Each call is atomic on its own; like the SQL store it offers no multi-call transactions.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
)

type jobRecord struct {
	job entity.Job
	seq int64
}

// DB holds every table in maps guarded by one mutex.
type DB struct {
	mu sync.Mutex

	seq      int64
	jobs     map[string]*jobRecord
	batches  map[string]entity.Batch
	images   map[string]entity.Image
	rows     map[string]entity.ExtractionRow
	settings map[string][]byte
	metrics  []entity.ProcessingMetric

	now func() time.Time
}

func New() *DB {
	return &DB{
		jobs:     make(map[string]*jobRecord),
		batches:  make(map[string]entity.Batch),
		images:   make(map[string]entity.Image),
		rows:     make(map[string]entity.ExtractionRow),
		settings: make(map[string][]byte),
		now:      time.Now,
	}
}

// Store returns the repository bundle backed by this DB.
func (d *DB) Store() *repository.Store {
	return &repository.Store{
		Jobs:    jobs{d},
		Batches: batches{d},
		Images:  images{d},
		Rows:    rows{d},
		Tenants: tenants{d},
		Metrics: metrics{d},
	}
}

type jobs struct{ d *DB }

func (r jobs) Create(_ context.Context, j *entity.Job) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if _, ok := r.d.jobs[j.ID]; ok {
		return common.NewAppError("DUPLICATE", "job "+j.ID+" exists", common.ErrConflict)
	}
	r.d.seq++
	cp := cloneJob(*j)
	r.d.jobs[j.ID] = &jobRecord{job: cp, seq: r.d.seq}
	return nil
}

func (r jobs) Get(_ context.Context, id string) (*entity.Job, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	rec, ok := r.d.jobs[id]
	if !ok {
		return nil, common.NotFoundf("job %s", id)
	}
	j := cloneJob(rec.job)
	return &j, nil
}

func (r jobs) NextQueued(_ context.Context, tenantID string) (*entity.Job, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var best *jobRecord
	for _, rec := range r.d.jobs {
		if rec.job.Status != constants.JobStatusQueued {
			continue
		}
		if tenantID != "" && rec.job.TenantID != tenantID {
			continue
		}
		if best == nil || jobLess(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}
	j := cloneJob(best.job)
	return &j, nil
}

func jobLess(a, b *jobRecord) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.QueuedAt.Equal(b.job.QueuedAt) {
		return a.job.QueuedAt.Before(b.job.QueuedAt)
	}
	return a.seq < b.seq
}

func (r jobs) Transition(_ context.Context, id string, from constants.JobStatus, upd repository.JobUpdate) (bool, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	rec, ok := r.d.jobs[id]
	if !ok || rec.job.Status != from {
		return false, nil
	}
	j := &rec.job
	j.Status = upd.Status
	if upd.Attempts != nil {
		j.Attempts = *upd.Attempts
	}
	if upd.LastError != nil {
		j.LastError = *upd.LastError
	}
	if upd.QueuedAt != nil {
		j.QueuedAt = *upd.QueuedAt
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		j.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		j.CompletedAt = &t
	}
	return true, nil
}

func (r jobs) Delete(_ context.Context, id string) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	delete(r.d.jobs, id)
	return nil
}

func (r jobs) DeleteByStatus(_ context.Context, tenantID string, statuses []constants.JobStatus, f entity.JobFilter) (int, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	n := 0
	for id, rec := range r.d.jobs {
		j := rec.job
		if j.TenantID != tenantID || !hasStatus(statuses, j.Status) {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.BatchID != "" && j.BatchID != f.BatchID {
			continue
		}
		delete(r.d.jobs, id)
		n++
	}
	return n, nil
}

func (r jobs) ListByStatus(_ context.Context, tenantID string, status constants.JobStatus) ([]entity.Job, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var recs []*jobRecord
	for _, rec := range r.d.jobs {
		if rec.job.Status == status && (tenantID == "" || rec.job.TenantID == tenantID) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, k int) bool { return jobLess(recs[i], recs[k]) })
	out := make([]entity.Job, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cloneJob(rec.job))
	}
	return out, nil
}

func (r jobs) CountByStatus(_ context.Context, tenantID string) (map[constants.JobStatus]int, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	out := make(map[constants.JobStatus]int)
	for _, rec := range r.d.jobs {
		if rec.job.TenantID == tenantID {
			out[rec.job.Status]++
		}
	}
	return out, nil
}

func (r jobs) TenantsWithStatus(_ context.Context, status constants.JobStatus) ([]string, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range r.d.jobs {
		if rec.job.Status != status {
			continue
		}
		if _, ok := seen[rec.job.TenantID]; ok {
			continue
		}
		seen[rec.job.TenantID] = struct{}{}
		out = append(out, rec.job.TenantID)
	}
	sort.Strings(out)
	return out, nil
}

func (r jobs) DeleteFinishedBefore(_ context.Context, before time.Time) (int, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	n := 0
	for id, rec := range r.d.jobs {
		j := rec.job
		finished := j.Status == constants.JobStatusCompleted || j.Status == constants.JobStatusFailed
		if finished && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(r.d.jobs, id)
			n++
		}
	}
	return n, nil
}

func hasStatus(list []constants.JobStatus, s constants.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneJob(j entity.Job) entity.Job {
	if j.Payload != nil {
		j.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}
