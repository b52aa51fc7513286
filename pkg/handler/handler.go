package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"

	"github.com/instill-ai/landmark-backend/pkg/constant"
	"github.com/instill-ai/landmark-backend/pkg/datamodel"
	"github.com/instill-ai/landmark-backend/pkg/service"
)

// maxRequestBodySize bounds the JSON body of a prediction request.
const maxRequestBodySize = 1 << 20

const (
	servingStatusServing    = "SERVING_STATUS_SERVING"
	servingStatusNotServing = "SERVING_STATUS_NOT_SERVING"
)

func makeJSONResponse(w http.ResponseWriter, st int, body any) {
	w.Header().Set(constant.HeaderContentType, constant.ContentTypeJSON)
	w.WriteHeader(st)
	obj, _ := json.Marshal(body)
	_, _ = w.Write(obj)
}

// errorResponse writes err with the HTTP status of its gRPC code. Errors
// without a code map to 500.
func errorResponse(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	makeJSONResponse(w, runtime.HTTPStatusFromCode(st.Code()), datamodel.Error{Error: st.Message()})
}

// HandlePredict serves POST /predict.
func HandlePredict(s service.Service, w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if !s.Ready() {
		errorResponse(w, service.ErrEngineNotInitialized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		makeJSONResponse(w, http.StatusBadRequest, datamodel.Error{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	if err := datamodel.ValidateJSONSchemaBytes(datamodel.PredictRequestJSONSchema, body); err != nil {
		var invalid *datamodel.InvalidJSONError
		if errors.As(err, &invalid) {
			makeJSONResponse(w, http.StatusBadRequest, datamodel.Error{Error: fmt.Sprintf("invalid request body: %v", invalid.Err)})
			return
		}
		errorResponse(w, service.ErrNoURL)
		return
	}

	var req datamodel.PredictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		makeJSONResponse(w, http.StatusBadRequest, datamodel.Error{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	res, err := s.Predict(r.Context(), req.URL)
	if err != nil {
		errorResponse(w, err)
		return
	}

	makeJSONResponse(w, http.StatusOK, res.Response())
}

// HandleLiveness serves GET /health/liveness. The process answering is
// enough to be alive.
func HandleLiveness(s service.Service, w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	makeJSONResponse(w, http.StatusOK, datamodel.HealthResponse{Status: servingStatusServing})
}

// HandleReadiness serves GET /health/readiness. A service whose model failed
// to load is up but not ready.
func HandleReadiness(s service.Service, w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if !s.Ready() {
		makeJSONResponse(w, http.StatusServiceUnavailable, datamodel.HealthResponse{Status: servingStatusNotServing})
		return
	}
	makeJSONResponse(w, http.StatusOK, datamodel.HealthResponse{Status: servingStatusServing})
}
