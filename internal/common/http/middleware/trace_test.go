package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gradeflow/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

type traceEcho struct {
	TraceID      string `json:"trace_id"`
	RequestID    string `json:"request_id"`
	CtxTraceID   string `json:"ctx_trace_id"`
	CtxRequestID string `json:"ctx_request_id"`
}

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TraceContextMiddleware())
	router.GET("/trace", func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, traceEcho{
			TraceID:      c.GetString(traceIDContextKey),
			RequestID:    c.GetString(requestIDContextKey),
			CtxTraceID:   asString(ctx.Value(contextkey.TraceID)),
			CtxRequestID: asString(ctx.Value(contextkey.RequestID)),
		})
	})

	cases := []struct {
		name      string
		headers   map[string]string
		traceID   string
		requestID string
	}{
		{name: "generates ids"},
		{
			name:      "keeps caller ids",
			headers:   map[string]string{traceIDHeader: "trace-123", requestIDHeader: "req-123"},
			traceID:   "trace-123",
			requestID: "req-123",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/trace", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			var got traceEcho
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode response failed: %v", err)
			}
			if got.TraceID == "" || got.RequestID == "" {
				t.Fatalf("expected ids on gin context, got %+v", got)
			}
			if got.CtxTraceID != got.TraceID || got.CtxRequestID != got.RequestID {
				t.Fatalf("expected request context to carry the same ids, got %+v", got)
			}
			if rec.Header().Get(traceIDHeader) != got.TraceID || rec.Header().Get(requestIDHeader) != got.RequestID {
				t.Fatalf("expected ids echoed in headers")
			}
			if tc.traceID != "" && got.TraceID != tc.traceID {
				t.Fatalf("expected trace id %s, got %s", tc.traceID, got.TraceID)
			}
			if tc.requestID != "" && got.RequestID != tc.requestID {
				t.Fatalf("expected request id %s, got %s", tc.requestID, got.RequestID)
			}
		})
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
