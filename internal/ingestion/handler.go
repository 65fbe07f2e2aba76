package ingestion

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/server/middleware"
	"docflow-backend/internal/shared/server/respond"
)

const maxWebhookBodyBytes = 1 << 20

// Handler wires HTTP handlers to the ingestion service.
type Handler struct {
	Svc      *Service
	Verifier *WebhookVerifier
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, verifier *WebhookVerifier) *Handler {
	return &Handler{Svc: svc, Verifier: verifier}
}

// RegisterRoutes attaches ingestion routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/ingestion", h.trigger)
	rg.POST("/ingestion/webhook", h.webhook)
	rg.GET("/ingestion/:documentId", h.getStatus)
	rg.GET("/ingestion/:documentId/history", h.history)
}

type triggerRequest struct {
	DocumentID json.Number `json:"documentId"`
}

type webhookRequest struct {
	ID       int64          `json:"id"`
	Status   string         `json:"status"`
	Error    *string        `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handler) trigger(c *gin.Context) {
	var req triggerRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid JSON body", nil)
		return
	}
	documentID, ok := parseID(req.DocumentID.String())
	if !ok {
		respond.Error(c, http.StatusBadRequest, "validation_error", "documentId must be a positive integer", []map[string]string{
			{"field": "documentId", "issue": "invalid"},
		})
		return
	}
	c.Set("documentId", documentID)

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	st, err := h.Svc.Trigger(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrServiceUnavailable) && st.ID != 0 {
			c.Set("ingestionId", st.ID)
			respond.Error(c, http.StatusServiceUnavailable, "service_unavailable", "ingestion worker unavailable", map[string]any{
				"ingestionId": st.ID,
				"status":      st.State,
			})
			return
		}
		writeError(c, err, "failed to trigger ingestion")
		return
	}
	c.Set("ingestionId", st.ID)
	c.Set("statusTransition", "->"+string(st.State))
	respond.Accepted(c, st)
}

func (h *Handler) getStatus(c *gin.Context) {
	documentID, ok := parseID(c.Param("documentId"))
	if !ok {
		respond.Error(c, http.StatusBadRequest, "validation_error", "documentId must be a positive integer", nil)
		return
	}
	c.Set("documentId", documentID)

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	st, err := h.Svc.GetStatus(ctx, documentID)
	if err != nil {
		writeError(c, err, "failed to fetch ingestion status")
		return
	}
	c.Set("ingestionId", st.ID)
	respond.NoStore(c)
	respond.OK(c, st)
}

func (h *Handler) history(c *gin.Context) {
	documentID, ok := parseID(c.Param("documentId"))
	if !ok {
		respond.Error(c, http.StatusBadRequest, "validation_error", "documentId must be a positive integer", nil)
		return
	}
	c.Set("documentId", documentID)

	items, err := h.Svc.History(c.Request.Context(), documentID)
	if err != nil {
		writeError(c, err, "failed to list ingestion history")
		return
	}
	respond.NoStore(c)
	respond.OK(c, gin.H{"documentId": documentID, "items": items})
}

func (h *Handler) webhook(c *gin.Context) {
	metrics.IncWebhookReceived()
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "failed to read body", nil)
		return
	}
	if len(body) > maxWebhookBodyBytes {
		respond.Error(c, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large", nil)
		return
	}
	if err := h.Verifier.Verify(c.GetHeader(WebhookTimestampHeader), c.GetHeader(WebhookSignatureHeader), body); err != nil {
		metrics.IncWebhookRejected()
		respond.Error(c, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid JSON body", nil)
		return
	}
	if req.ID <= 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "id must be a positive integer", []map[string]string{
			{"field": "id", "issue": "invalid"},
		})
		return
	}
	state, ok := ParseState(req.Status)
	if !ok {
		respond.Error(c, http.StatusBadRequest, "validation_error", "status must be one of PENDING, PROCESSING, COMPLETED, FAILED", []map[string]string{
			{"field": "status", "issue": "invalid"},
		})
		return
	}
	c.Set("ingestionId", req.ID)

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	st, err := h.Svc.ApplyExternalUpdate(ctx, req.ID, Update{
		State:    state,
		Error:    req.Error,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(c, err, "failed to apply ingestion update")
		return
	}
	c.Set("documentId", st.DocumentID)
	c.Set("statusTransition", "webhook->"+string(st.State))
	respond.OK(c, st)
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrValidation):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrDocumentNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "document not found", nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "ingestion status not found", nil)
	case errors.Is(err, ErrServiceUnavailable):
		respond.Error(c, http.StatusServiceUnavailable, "service_unavailable", "ingestion worker unavailable", nil)
	case errors.Is(err, ErrConflict):
		respond.Error(c, http.StatusConflict, "conflict", "ingestion status changed concurrently, retry", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
