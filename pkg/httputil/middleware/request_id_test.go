package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/mqtt2pg/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	t.Run("should generate a new request ID if none is sent", func(t *testing.T) {
		var seen string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = r.Context().Value(httputil.RequestIDCtxKey).(string)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		_, err := uuid.Parse(seen)
		assert.NoError(t, err, "Request ID should be a valid UUID")
		assert.Equal(t, seen, w.Result().Header.Get(RequestIDHeader))
	})

	t.Run("should preserve the caller's request ID", func(t *testing.T) {
		existing := uuid.NewString()
		var seen string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = r.Context().Value(httputil.RequestIDCtxKey).(string)
		}))

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(RequestIDHeader, existing)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, existing, seen)
		assert.Equal(t, existing, w.Result().Header.Get(RequestIDHeader))
	})

	t.Run("should replace a malformed request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(RequestIDHeader, "not\nan-id")
		w := httptest.NewRecorder()
		RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(w, req)

		_, err := uuid.Parse(w.Result().Header.Get(RequestIDHeader))
		assert.NoError(t, err)
	})
}
