package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/batch"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/merchant"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/orchestrator"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/upload"
)

// maxJSONBody bounds request bodies on the JSON endpoints.
const maxJSONBody = 1 << 20

type apiHandlers struct {
	deps *Dependencies
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// decodeStrict parses a JSON body rejecting unknown fields, so option typos
// fail loudly at the boundary.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// handleClassifySingle is the progressive single-payee endpoint.
func (h *apiHandlers) handleClassifySingle(w http.ResponseWriter, r *http.Request) {
	if h.deps.Orchestrator.Busy() {
		w.Header().Set("Retry-After", "5")
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "busy", "message": "pipeline saturated, retry shortly"})
		return
	}

	var req orchestrator.SingleRequest
	if err := decodeStrict(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Payee == "" {
		respondError(w, http.StatusBadRequest, "payee is required")
		return
	}

	res, err := h.deps.Orchestrator.ClassifySingle(r.Context(), req)
	if err != nil {
		h.deps.Logger.Error("classify-single failed", slog.Any("error", err))
		respondError(w, http.StatusServiceUnavailable, "classification unavailable")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *apiHandlers) handleClassifyStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	status, err := h.deps.Orchestrator.JobStatus(r.Context(), jobID)
	if errors.Is(err, batch.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown job id")
		return
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleUploadPreview accepts the multipart file and returns headers plus
// sample rows.
func (h *apiHandlers) handleUploadPreview(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.deps.Config.Upload.MaxSizeBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	preview, err := h.deps.UploadService.Preview(r.Context(), header.Filename, header.Header.Get("Content-Type"), file)
	if errors.Is(err, upload.ErrUnsupportedType) {
		respondError(w, http.StatusBadRequest, "only CSV and XLSX uploads are accepted")
		return
	}
	var inputErr *upload.InputError
	if errors.As(err, &inputErr) {
		respondError(w, http.StatusBadRequest, inputErr.Msg)
		return
	}
	if err != nil {
		h.deps.Logger.Error("upload preview failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

func (h *apiHandlers) handleUploadProcess(w http.ResponseWriter, r *http.Request) {
	if h.deps.Orchestrator.Busy() {
		w.Header().Set("Retry-After", "5")
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "busy", "message": "pipeline saturated, retry shortly"})
		return
	}

	var req upload.ProcessRequest
	if err := decodeStrict(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	b, err := h.deps.UploadService.Process(r.Context(), req)
	var inputErr *upload.InputError
	if errors.As(err, &inputErr) {
		respondError(w, http.StatusBadRequest, inputErr.Msg)
		return
	}
	if err != nil {
		h.deps.Logger.Error("upload process failed", slog.Any("error", err))
		respondError(w, http.StatusServiceUnavailable, "failed to start batch")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"batch_id":      b.ID,
		"total_records": b.TotalRecords,
		"status":        b.OverallStatus,
	})
}

func (h *apiHandlers) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	batches, err := h.deps.BatchRepo.ListBatches(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "batch listing unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *apiHandlers) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	status, err := h.deps.Orchestrator.BatchStatus(r.Context(), batchID)
	if errors.Is(err, batch.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown batch id")
		return
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "batch status unavailable")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *apiHandlers) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	cancelled, err := h.deps.Orchestrator.Cancel(r.Context(), batchID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "cancel failed")
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, "batch is already terminal")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "status": "cancelled"})
}

func (h *apiHandlers) handleClassifications(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	limit, offset := pagination(r)

	records, total, err := h.deps.BatchRepo.Records(r.Context(), batchID, limit, offset)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "classifications unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"records":  records,
	})
}

func (h *apiHandlers) handleDownload(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	b, err := h.deps.BatchRepo.GetBatch(r.Context(), batchID)
	if errors.Is(err, batch.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown batch id")
		return
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "download unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="enriched_%s.csv"`, b.ID))
	if err := h.deps.Exporter.Write(r.Context(), batchID, w); err != nil {
		h.deps.Logger.Error("download export failed",
			slog.String("batch_id", batchID),
			slog.Any("error", err))
	}
}

// handleWebhook is the merchant service's delivery endpoint. It answers 2xx
// once the event is durably recorded; side effects run before the response
// but their failures are kept on the event row, not surfaced.
func (h *apiHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.WebhookProcessor == nil {
		respondError(w, http.StatusNotFound, "merchant integration disabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	signature := r.Header.Get("X-Webhook-Signature")
	timestamp := r.Header.Get("X-Webhook-Timestamp")
	if err := h.deps.WebhookProcessor.VerifySignature(body, signature, timestamp); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev merchant.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.EventID == "" || ev.SearchID == "" {
		respondError(w, http.StatusBadRequest, "malformed event")
		return
	}
	ev.ReceivedAt = time.Now()
	ev.Payload = body

	if err := h.deps.WebhookProcessor.Process(r.Context(), &ev); err != nil {
		// Durable insert failed; ask the service to redeliver.
		respondError(w, http.StatusServiceUnavailable, "event not recorded")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *apiHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *apiHandlers) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

// handleHealthReady reports store and supplier snapshot health.
func (h *apiHandlers) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "supplier_cache": "ok"}
	status := http.StatusOK
	if err := h.deps.DB.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if _, err := h.deps.SupplierCache.Stats(ctx); err != nil {
		checks["supplier_cache"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	// Informational only; an open breaker degrades classifications to
	// Unknown instead of making the service unready.
	checks["classifier_circuit"] = h.deps.ClassifyGateway.BreakerState()
	if h.deps.MerchantClient != nil {
		checks["bulk_search_circuit"] = h.deps.MerchantClient.BreakerState()
	}
	respondJSON(w, status, checks)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
