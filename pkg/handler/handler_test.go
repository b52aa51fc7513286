package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gomock "github.com/golang/mock/gomock"

	"github.com/instill-ai/landmark-backend/pkg/datamodel"
	"github.com/instill-ai/landmark-backend/pkg/mock"
	"github.com/instill-ai/landmark-backend/pkg/service"
)

func TestMain(m *testing.M) {
	datamodel.InitJSONSchema(context.Background())
	os.Exit(m.Run())
}

func predict(s service.Service, body string) (*httptest.ResponseRecorder, map[string]string) {
	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	HandlePredict(s, rec, req, nil)

	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHandlePredict_EngineNotInitialized(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockService := mock.NewMockService(ctrl)
	mockService.EXPECT().Ready().Return(false)

	rec, out := predict(mockService, `{"url": "https://example.com/a.jpg"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]string{"error": "AI Engine not initialized"}, out)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandlePredict_BadRequest(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		message string
	}{
		{name: "empty object", body: `{}`, message: "No URL provided"},
		{name: "empty url", body: `{"url": ""}`, message: "No URL provided"},
		{name: "null url", body: `{"url": null}`, message: "No URL provided"},
		{name: "numeric url", body: `{"url": 12}`, message: "No URL provided"},
		{name: "array body", body: `["https://example.com/a.jpg"]`, message: "No URL provided"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			mockService := mock.NewMockService(ctrl)
			mockService.EXPECT().Ready().Return(true)

			rec, out := predict(mockService, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, map[string]string{"error": tc.message}, out)
		})
	}
}

func TestHandlePredict_MalformedJSON(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockService := mock.NewMockService(ctrl)
	mockService.EXPECT().Ready().Return(true)

	rec, out := predict(mockService, `{"url": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.HasPrefix(out["error"], "invalid request body: "), out["error"])
}

func TestHandlePredict_Success(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockService := mock.NewMockService(ctrl)
	mockService.EXPECT().Ready().Return(true)
	mockService.
		EXPECT().
		Predict(gomock.Any(), gomock.Eq("https://example.com/tower.jpg")).
		Return(&datamodel.PredictionResult{Label: "Eiffel Tower", Index: 0, Confidence: 0.87234}, nil)

	rec, out := predict(mockService, `{"url": "https://example.com/tower.jpg"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"class": "Eiffel Tower", "confidence": "87.23%"}, out)
}

func TestHandlePredict_ServiceErrors(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{
			name:    "unreachable",
			err:     &service.FetchError{URL: "http://nowhere.invalid/x.jpg", Err: errors.New("unable to download image at http://nowhere.invalid/x.jpg: no such host")},
			code:    http.StatusInternalServerError,
			message: "unable to download image at http://nowhere.invalid/x.jpg: no such host",
		},
		{
			name:    "undecodable",
			err:     &service.DecodeError{Err: errors.New("unable to decode image: image: unknown format")},
			code:    http.StatusInternalServerError,
			message: "unable to decode image: image: unknown format",
		},
		{
			name:    "inference",
			err:     &service.InferenceError{Err: errors.New("boom")},
			code:    http.StatusInternalServerError,
			message: "inference failed: boom",
		},
		{
			name:    "untyped",
			err:     errors.New("something else"),
			code:    http.StatusInternalServerError,
			message: "something else",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			mockService := mock.NewMockService(ctrl)
			mockService.EXPECT().Ready().Return(true)
			mockService.EXPECT().Predict(gomock.Any(), gomock.Any()).Return(nil, tc.err)

			rec, out := predict(mockService, `{"url": "http://nowhere.invalid/x.jpg"}`)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, map[string]string{"error": tc.message}, out)
		})
	}
}

func TestHealth(t *testing.T) {
	for _, ready := range []bool{true, false} {
		ctrl := gomock.NewController(t)
		mockService := mock.NewMockService(ctrl)
		mockService.EXPECT().Ready().Return(ready).AnyTimes()

		rec := httptest.NewRecorder()
		HandleLiveness(mockService, rec, httptest.NewRequest(http.MethodGet, "/health/liveness", nil), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"SERVING_STATUS_SERVING"}`, rec.Body.String())

		rec = httptest.NewRecorder()
		HandleReadiness(mockService, rec, httptest.NewRequest(http.MethodGet, "/health/readiness", nil), nil)
		if ready {
			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"status":"SERVING_STATUS_SERVING"}`, rec.Body.String())
		} else {
			require.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.JSONEq(t, `{"status":"SERVING_STATUS_NOT_SERVING"}`, rec.Body.String())
		}
	}
}
