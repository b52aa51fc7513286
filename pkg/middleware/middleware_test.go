package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/instill-ai/landmark-backend/pkg/constant"
	"github.com/instill-ai/landmark-backend/pkg/logger"
	"github.com/instill-ai/landmark-backend/pkg/service"
)

func TestAppendCustomHeaderMiddleware_RequestID(t *testing.T) {
	var seen string
	h := AppendCustomHeaderMiddleware(nil, func(_ service.Service, w http.ResponseWriter, r *http.Request, _ map[string]string) {
		seen = logger.RequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health/liveness", nil), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(constant.HeaderRequestIDKey))

	req := httptest.NewRequest(http.MethodGet, "/health/liveness", nil)
	req.Header.Set(constant.HeaderRequestIDKey, "abc-123")
	rec = httptest.NewRecorder()
	h(rec, req, nil)
	assert.Equal(t, "abc-123", seen)
}

func TestAppendCustomHeaderMiddleware_Recovers(t *testing.T) {
	h := AppendCustomHeaderMiddleware(nil, func(service.Service, http.ResponseWriter, *http.Request, map[string]string) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/predict", nil), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"panic triggered: kaboom"}`, rec.Body.String())
}

func TestLoggingDecider(t *testing.T) {
	assert.True(t, healthCheckMethod.MatchString("/grpc.health.v1.Health/Check"))
	assert.False(t, healthCheckMethod.MatchString("/landmark.v1.Predict/Run"))
}
