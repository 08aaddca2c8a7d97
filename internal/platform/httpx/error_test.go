package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/orderengine/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("insufficient_stock", "not enough stock\nfor var_a", http.StatusConflict).
		WithDetails(map[string]any{"variantId": "var_a"}).
		WithDetails(map[string]any{"available": 2}))

	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Empty(t, rr.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_stock", body["error"])
	assert.Equal(t, "not enough stock for var_a", body["message"])
	assert.EqualValues(t, 409, body["status"])
	assert.Equal(t, "req-42", body["requestId"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", body["traceId"])
	assert.Equal(t, map[string]any{"variantId": "var_a", "available": float64(2)}, body["details"])
}

func TestWriteErrorRetryAfterAndDefaults(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("rate_limited", "too many webhook requests", http.StatusTooManyRequests).
		WithRetryAfter(1500*time.Millisecond))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.NotContains(t, rr.Body.String(), "requestId")

	e := NewError(strings.Repeat("x", 100), "boom", 200)
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Len(t, e.Code, maxCodeLen)
}
