package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/instill-ai/landmark-backend/pkg/constant"
	"github.com/instill-ai/landmark-backend/pkg/datamodel"
	"github.com/instill-ai/landmark-backend/pkg/logger"
	"github.com/instill-ai/landmark-backend/pkg/service"
)

type fn func(service.Service, http.ResponseWriter, *http.Request, map[string]string)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AppendCustomHeaderMiddleware tags the request with an id, recovers panics
// as a 500 JSON error and writes one access log line per request.
func AppendCustomHeaderMiddleware(s service.Service, next fn) runtime.HandlerFunc {
	return runtime.HandlerFunc(func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		id := r.Header.Get(constant.HeaderRequestIDKey)
		if id == "" {
			id = uuid.Must(uuid.NewV4()).String()
		}
		ctx := logger.WithRequestID(r.Context(), id)
		log, _ := logger.GetZapLogger(ctx)
		w.Header().Set(constant.HeaderRequestIDKey, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error("panic triggered", zap.Any("panic", p), zap.Stack("stack"))
				rec.Header().Set(constant.HeaderContentType, constant.ContentTypeJSON)
				rec.WriteHeader(http.StatusInternalServerError)
				obj, _ := json.Marshal(datamodel.Error{Error: fmt.Sprintf("panic triggered: %v", p)})
				_, _ = rec.Write(obj)
			}
			log.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("latency", time.Since(start)))
		}()

		next(s, rec, r.WithContext(ctx), pathParams)
	})
}
