package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

type priorityOverride struct {
	Priority *int `json:"priority,omitempty"`
}

func (p priorityOverride) or(def int) int {
	if p.Priority != nil {
		return *p.Priority
	}
	return def
}

type enqueueResponse struct {
	JobID    string            `json:"job_id"`
	Type     constants.JobType `json:"type"`
	Priority int               `json:"priority"`
}

type processRequest struct {
	priorityOverride
}

func (s *Server) processBatch(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, batchID := c.Param("tenant"), c.Param("batch")
	var req processRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if err := s.checkBatch(ctx, tenantID, batchID); err != nil {
		return err
	}
	payload := entity.ProcessBatchPayload{BatchID: batchID, TenantID: tenantID}
	return s.enqueue(c, tenantID, constants.JobTypeProcessBatch, payload, req.or(constants.PriorityProcess))
}

type reprocessRequest struct {
	priorityOverride
	BatchIDs []string `json:"batchIds"`
}

func (s *Server) reprocessBatches(c echo.Context) error {
	tenantID := c.Param("tenant")
	var req reprocessRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	for _, id := range req.BatchIDs {
		if err := s.checkBatch(c.Request().Context(), tenantID, id); err != nil {
			return err
		}
	}
	payload := entity.ReprocessBatchPayload{BatchIDs: req.BatchIDs, TenantID: tenantID}
	return s.enqueue(c, tenantID, constants.JobTypeReprocessBatch, payload, req.or(constants.PriorityReprocess))
}

type redoRequest struct {
	priorityOverride
	RedoColumnIDs   []string          `json:"redoColumnIds"`
	CroppedImageIDs map[string]string `json:"croppedImageIds"`
	SourceImageIDs  map[string]string `json:"sourceImageIds,omitempty"`
}

func (s *Server) redoRow(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID, batchID := c.Param("tenant"), c.Param("batch")
	var req redoRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	rowIndex, err := strconv.Atoi(c.Param("row"))
	if err != nil {
		rowIndex = 0
	}
	v := common.NewValidator().
		Field("row", rowIndex, common.Positive).
		Field("redoColumnIds", req.RedoColumnIDs, common.Required)
	if err := common.ValidateAndReturnError(v); err != nil {
		return httpError(err)
	}
	if err := s.checkBatch(ctx, tenantID, batchID); err != nil {
		return err
	}
	if _, err := s.deps.Store.Rows.GetByIndex(ctx, batchID, rowIndex); err != nil {
		return httpError(err)
	}
	payload := entity.RedoPayload{
		BatchID:         batchID,
		TenantID:        tenantID,
		RowIndex:        rowIndex,
		RedoColumnIDs:   req.RedoColumnIDs,
		CroppedImageIDs: req.CroppedImageIDs,
		SourceImageIDs:  req.SourceImageIDs,
	}
	if payload.CroppedImageIDs == nil {
		payload.CroppedImageIDs = map[string]string{}
	}
	return s.enqueue(c, tenantID, constants.JobTypeProcessRedo, payload, req.or(constants.PriorityRedo))
}

func (s *Server) cancelJobs(c echo.Context) error {
	tenantID := c.Param("tenant")
	filter := entity.JobFilter{
		Type:    constants.JobType(c.QueryParam("type")),
		BatchID: c.QueryParam("batchId"),
	}
	if filter.Type != "" {
		allowed := make([]string, 0, len(constants.JobTypes))
		for _, t := range constants.JobTypes {
			allowed = append(allowed, string(t))
		}
		v := common.NewValidator().Field("type", string(filter.Type), common.OneOf(allowed...))
		if err := common.ValidateAndReturnError(v); err != nil {
			return httpError(err)
		}
	}
	n, err := s.deps.Queue.CancelQueued(c.Request().Context(), tenantID, filter)
	if err != nil {
		return httpError(err)
	}
	s.logger.Info("http.jobs.cancelled", "tenant_id", tenantID, "type", filter.Type, "batch_id", filter.BatchID, "count", n)
	return c.JSON(http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) stats(c echo.Context) error {
	st, err := s.deps.Queue.StatsFor(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) workers(c echo.Context) error {
	if s.deps.Pool == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.deps.Pool.Workers())
}

func (s *Server) exportBatch(c echo.Context) error {
	batchID := c.Param("batch")
	data, err := s.deps.Export.BatchXLSX(c.Request().Context(), batchID)
	if err != nil {
		s.logger.Error("export.xlsx.failed", "batch_id", batchID, "error", err)
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", batchID+".xlsx"))
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// checkBatch answers 404 for a batch that is missing or owned by another tenant.
func (s *Server) checkBatch(ctx context.Context, tenantID, batchID string) error {
	b, err := s.deps.Store.Batches.Get(ctx, batchID)
	if err != nil {
		return httpError(err)
	}
	if b.TenantID != tenantID {
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	}
	return nil
}

// enqueue stores the job and wakes the tenant's executor. A failed wake-up is
// only logged: discovery picks the job up on its next pass.
func (s *Server) enqueue(c echo.Context, tenantID string, jobType constants.JobType, payload any, priority int) error {
	ctx := c.Request().Context()
	job, err := s.deps.Queue.Enqueue(ctx, jobType, payload, priority, 0)
	if err != nil {
		return httpError(err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	}
	if s.deps.Pool != nil {
		if err := s.deps.Pool.EnsureWorkerFor(ctx, tenantID); err != nil {
			s.logger.Warn("http.enqueue.wake_failed", "request_id", common.RequestIDFromContext(ctx), "tenant_id", tenantID, "job_id", job.ID, "error", err)
		}
	}
	return c.JSON(http.StatusAccepted, enqueueResponse{JobID: job.ID, Type: job.Type, Priority: job.Priority})
}

// bindOptional binds a body when one was sent.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}
