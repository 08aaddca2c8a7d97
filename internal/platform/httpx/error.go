package httpx

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orderengine/internal/platform/requestctx"
)

const (
	maxCodeLen    = 64
	maxMessageLen = 512
	maxIDLen      = 80
)

// Error is the JSON body of every failed response:
//
//	{"error":"insufficient_stock","message":"...","status":409,"requestId":"...","details":{...}}
//
// Details carries machine readable context such as the variant that ran out of stock.
type Error struct {
	Code       string         `json:"error"`
	Message    string         `json:"message"`
	Status     int            `json:"status"`
	RequestID  string         `json:"requestId,omitempty"`
	TraceID    string         `json:"traceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	retryAfter time.Duration
}

// NewError builds an error envelope; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLen),
		Message: clean(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WithRetryAfter sets the Retry-After header, rounded up to whole seconds.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.retryAfter = d
	return e
}

// WriteError stamps the request and trace ids from ctx and writes the envelope.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	if e.RequestID == "" {
		e.RequestID = clean(middleware.GetReqID(ctx), maxIDLen)
	}
	if e.TraceID == "" {
		e.TraceID = clean(requestctx.TraceID(ctx), maxIDLen)
	}
	if e.retryAfter > 0 {
		seconds := int(math.Ceil(e.retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

// clean keeps messages on one line so they cannot forge log entries.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
