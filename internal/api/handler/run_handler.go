package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/metals-aggregator/internal/aggregator"
	"github.com/cuongbtq/metals-aggregator/internal/api/domain"
	"github.com/cuongbtq/metals-aggregator/internal/api/dto"
	"github.com/cuongbtq/metals-aggregator/internal/api/model"
	"github.com/cuongbtq/metals-aggregator/internal/api/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultProductPageSize = 50
	maxProductPageSize     = 500
)

// CreateRun handles POST /api/v1/runs
// Stores a PENDING run and enqueues it for a worker
func (h *RunHandler) CreateRun(c *gin.Context) {
	h.logger.Info("CreateRun called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	body, err := c.GetRawData()
	if err != nil {
		h.logger.Error("Failed to read request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	input, err := aggregator.ParseInput(body)
	if err != nil {
		h.logger.Error("Invalid run input", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	normalized, err := json.Marshal(input)
	if err != nil {
		h.logger.Error("Failed to encode run input", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create run",
		})
		return
	}

	now := time.Now().UTC()
	run := model.Run{
		RunID:     uuid.New().String(),
		Input:     normalized,
		Status:    domain.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateRun(c.Request.Context(), &run); err != nil {
		h.logger.Error("Failed to create run", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create run",
		})
		return
	}

	if err := h.publisher.PublishJSON(c.Request.Context(), dto.RunMessage{RunID: run.RunID}); err != nil {
		h.logger.Error("Failed to enqueue run",
			slog.String("run_id", run.RunID),
			slog.String("error", err.Error()),
		)
		if markErr := h.store.MarkRunFailed(c.Request.Context(), run.RunID, "failed to enqueue run"); markErr != nil {
			h.logger.Error("Failed to mark run failed",
				slog.String("run_id", run.RunID),
				slog.String("error", markErr.Error()),
			)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "Failed to enqueue run",
			"run_id": run.RunID,
		})
		return
	}

	selected, fellBack := h.registry.Select(input.Dealers)
	if fellBack {
		h.logger.Warn("No matching dealers found, run will use all dealers",
			slog.String("run_id", run.RunID),
			slog.Any("dealers", input.Dealers),
		)
	}

	h.logger.Info("Run enqueued",
		slog.String("run_id", run.RunID),
		slog.Int("dealer_count", len(selected)),
	)

	c.JSON(http.StatusAccepted, toRunDTO(&run))
}

// GetRun handles GET /api/v1/runs/:run_id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID := c.Param("run_id")

	h.logger.Info("GetRun called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("run_id", runID),
	)

	if _, err := uuid.Parse(runID); err != nil {
		h.logger.Error("Invalid run_id format", slog.String("run_id", runID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "run_id must be a valid UUID",
		})
		return
	}

	run, ok := h.loadRun(c, runID)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, toRunDTO(run))
}

// ListProducts handles GET /api/v1/runs/:run_id/products
// Pages through a run's products in forwarding order
func (h *RunHandler) ListProducts(c *gin.Context) {
	runID := c.Param("run_id")

	h.logger.Info("ListProducts called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	if _, err := uuid.Parse(runID); err != nil {
		h.logger.Error("Invalid run_id format", slog.String("run_id", runID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "run_id must be a valid UUID",
		})
		return
	}

	var req dto.ListProductsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultProductPageSize
	}

	if req.PageSize > maxProductPageSize {
		req.PageSize = maxProductPageSize
	}

	cursor, err := DecodeProductCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	if _, ok := h.loadRun(c, runID); !ok {
		return
	}

	products, err := h.store.ListProducts(c.Request.Context(), storage.ProductFilter{
		RunID:    runID,
		Dealer:   req.Dealer,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list products", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list products",
		})
		return
	}

	hasMore := len(products) > req.PageSize
	if hasMore {
		products = products[:req.PageSize]
	}

	resp := dto.ListProductsResponse{
		Products: make([]dto.ProductDTO, len(products)),
	}
	for i, p := range products {
		resp.Products[i] = dto.ProductDTO{
			Seq:    p.Seq,
			Dealer: p.Dealer,
			Data:   json.RawMessage(p.Data),
		}
	}

	if hasMore {
		last := products[len(products)-1]
		resp.NextCursor = EncodeProductCursor(&storage.ProductCursor{Seq: last.Seq})
	}

	c.JSON(http.StatusOK, resp)
}

// ListDealers handles GET /api/v1/dealers
func (h *RunHandler) ListDealers(c *gin.Context) {
	entries := h.registry.Entries()

	resp := dto.ListDealersResponse{
		Dealers: make([]dto.DealerDTO, len(entries)),
	}
	for i, e := range entries {
		resp.Dealers[i] = dto.DealerDTO{
			Name:  e.Name,
			JobID: e.JobID,
			Heavy: e.Heavy,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// loadRun writes the error response itself when the run cannot be loaded
func (h *RunHandler) loadRun(c *gin.Context, runID string) (*model.Run, bool) {
	run, err := h.store.GetRunByID(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "run not found",
			})
			return nil, false
		}

		h.logger.Error("Failed to get run", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get run",
		})
		return nil, false
	}

	return run, true
}

func toRunDTO(run *model.Run) dto.RunDTO {
	out := dto.RunDTO{
		RunID:        run.RunID,
		Status:       run.Status,
		Input:        json.RawMessage(run.Input),
		TotalRecords: run.TotalRecords,
		DealerCount:  run.DealerCount,
		CreatedAt:    run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    run.UpdatedAt.Format(time.RFC3339),
	}

	if len(run.DealerResults) > 0 {
		out.DealerResults = json.RawMessage(run.DealerResults)
	}
	if run.WorkerID != nil {
		out.WorkerID = *run.WorkerID
	}
	if run.ErrorMessage != nil {
		out.ErrorMessage = *run.ErrorMessage
	}
	if run.StartedAt != nil {
		out.StartedAt = run.StartedAt.Format(time.RFC3339)
	}
	if run.CompletedAt != nil {
		out.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}

	return out
}
