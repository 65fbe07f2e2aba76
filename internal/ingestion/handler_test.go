package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/shared/server/middleware"
)

type errorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func setupIngestionRouter(t *testing.T, worker *scriptedWorker, verifier *WebhookVerifier) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(worker)
	router := gin.New()
	router.Use(middleware.RequestID())
	NewHandler(svc, verifier).RegisterRoutes(router.Group("/api/v1"))
	return router, svc
}

func doJSON(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestTriggerEndpoint(t *testing.T) {
	router, _ := setupIngestionRouter(t, &scriptedWorker{}, nil)

	resp := doJSON(router, http.MethodPost, "/api/v1/ingestion", []byte(`{"documentId":1}`), nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var st struct {
		ID         int64          `json:"id"`
		DocumentID int64          `json:"documentId"`
		Status     string         `json:"status"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if st.ID == 0 || st.DocumentID != 1 || st.Status != "PENDING" {
		t.Fatalf("unexpected response %+v", st)
	}
	if st.Metadata["retryCount"] != float64(0) || st.Metadata["fileName"] != "one.pdf" {
		t.Fatalf("unexpected metadata %v", st.Metadata)
	}
}

func TestTriggerEndpointErrors(t *testing.T) {
	worker := &scriptedWorker{}
	router, _ := setupIngestionRouter(t, worker, nil)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "malformed json", body: `{`, status: http.StatusBadRequest, code: "validation_error"},
		{name: "non numeric id", body: `{"documentId":"abc"}`, status: http.StatusBadRequest, code: "validation_error"},
		{name: "negative id", body: `{"documentId":-4}`, status: http.StatusBadRequest, code: "validation_error"},
		{name: "unknown document", body: `{"documentId":404}`, status: http.StatusNotFound, code: "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(router, http.MethodPost, "/api/v1/ingestion", []byte(tc.body), nil)
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.Code)
			}
			var env errorEnvelope
			if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, env.Error.Code)
			}
		})
	}

	worker.dispatchErr = errors.New("dial tcp: connection refused")
	resp := doJSON(router, http.MethodPost, "/api/v1/ingestion", []byte(`{"documentId":2}`), nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestGetStatusEndpoint(t *testing.T) {
	worker := &scriptedWorker{replies: []Update{{State: StateProcessing}}}
	router, svc := setupIngestionRouter(t, worker, nil)
	if _, err := svc.Trigger(context.Background(), 1); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	resp := doJSON(router, http.MethodGet, "/api/v1/ingestion/1", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var st struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != "PROCESSING" {
		t.Fatalf("expected PROCESSING, got %s", st.Status)
	}

	if resp := doJSON(router, http.MethodGet, "/api/v1/ingestion/2", nil, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for document without ingestion, got %d", resp.Code)
	}
	if resp := doJSON(router, http.MethodGet, "/api/v1/ingestion/zero", nil, nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", resp.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	router, svc := setupIngestionRouter(t, &scriptedWorker{}, nil)
	for i := 0; i < 2; i++ {
		if _, err := svc.Trigger(context.Background(), 1); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
	}
	resp := doJSON(router, http.MethodGet, "/api/v1/ingestion/1/history", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Items []IngestionStatus `json:"items"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 2 || body.Items[0].ID < body.Items[1].ID {
		t.Fatalf("unexpected history %+v", body.Items)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	now := time.Now().UTC()
	verifier := &WebhookVerifier{Secret: "hook-secret", Now: func() time.Time { return now }}
	worker := &scriptedWorker{}
	router, svc := setupIngestionRouter(t, worker, verifier)
	created, err := svc.Trigger(context.Background(), 1)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	body := []byte(`{"id":` + strconv.FormatInt(created.ID, 10) + `,"status":"COMPLETED","metadata":{"pages":12}}`)
	ts := now.Format(time.RFC3339)
	signed := map[string]string{
		WebhookTimestampHeader: ts,
		WebhookSignatureHeader: SignWebhook("hook-secret", ts, body),
	}

	resp := doJSON(router, http.MethodPost, "/api/v1/ingestion/webhook", body, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned webhook, got %d", resp.Code)
	}

	resp = doJSON(router, http.MethodPost, "/api/v1/ingestion/webhook", body, signed)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(router, http.MethodPost, "/api/v1/ingestion/webhook", body, signed)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed webhook, got %d", resp.Code)
	}

	st, err := svc.GetStatus(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != StateCompleted || st.Metadata.Extra["pages"] != float64(12) {
		t.Fatalf("unexpected status %+v", st)
	}
	if worker.calls() != 0 {
		t.Fatalf("expected no worker calls after webhook completion")
	}
}

func TestWebhookEndpointValidation(t *testing.T) {
	router, _ := setupIngestionRouter(t, &scriptedWorker{}, nil)

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{name: "bad status", body: `{"id":1,"status":"DONE"}`, status: http.StatusBadRequest},
		{name: "missing id", body: `{"status":"COMPLETED"}`, status: http.StatusBadRequest},
		{name: "unknown ingestion", body: `{"id":999,"status":"COMPLETED"}`, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(router, http.MethodPost, "/api/v1/ingestion/webhook", []byte(tc.body), nil)
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.Code)
			}
		})
	}
}
