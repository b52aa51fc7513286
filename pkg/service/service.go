package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/instill-ai/landmark-backend/pkg/datamodel"
	"github.com/instill-ai/landmark-backend/pkg/inference"
	"github.com/instill-ai/landmark-backend/pkg/labels"
	"github.com/instill-ai/landmark-backend/pkg/preprocess"
	"github.com/instill-ai/landmark-backend/pkg/recorder"
	"github.com/instill-ai/landmark-backend/pkg/tensor"

	httpclient "github.com/instill-ai/landmark-backend/pkg/client/http"
	custom_logger "github.com/instill-ai/landmark-backend/pkg/logger"
)

// Fetcher downloads the image behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*httpclient.Image, error)
}

// Classifier runs the frozen model on a preprocessed image.
type Classifier interface {
	Classify(ctx context.Context, x *tensor.Tensor) (inference.Prediction, error)
}

// Service is the interface for the service layer
type Service interface {
	// Ready reports whether the model was loaded at startup.
	Ready() bool
	// Predict downloads the image at url and returns its most probable
	// landmark.
	Predict(ctx context.Context, url string) (*datamodel.PredictionResult, error)
}

// Prediction outcomes, used as the metric and record attribute.
const (
	OutcomeOK                = "ok"
	OutcomeEngineUnavailable = "engine_unavailable"
	OutcomeInvalidRequest    = "invalid_request"
	OutcomeFetchError        = "fetch_error"
	OutcomeDecodeError       = "decode_error"
	OutcomeInferenceError    = "inference_error"
)

type service struct {
	classifier Classifier
	fetcher    Fetcher
	transform  *preprocess.Transform
	labels     *labels.Table
	recorder   recorder.Recorder

	predictions    metric.Int64Counter
	labelFallbacks metric.Int64Counter
	duration       metric.Float64Histogram
}

// Option configures the service.
type Option func(*service)

// WithMaxPixels sets the decoded image pixel budget. Images whose header
// declares more pixels are rejected before decoding.
func WithMaxPixels(n int) Option {
	return func(s *service) {
		s.transform.MaxPixels = n
	}
}

// NewService returns a new service instance. classifier is nil when the
// model failed to load; the service then reports itself not ready and
// rejects predictions.
func NewService(c Classifier, f Fetcher, l *labels.Table, r recorder.Recorder, meter metric.Meter, opts ...Option) (Service, error) {
	if r == nil {
		r = recorder.NewNoopRecorder()
	}
	if l == nil {
		l = labels.NewTable(nil)
	}
	s := &service{
		classifier: c,
		fetcher:    f,
		transform:  preprocess.New(),
		labels:     l,
		recorder:   r,
	}
	for _, o := range opts {
		o(s)
	}

	var err error
	if s.predictions, err = meter.Int64Counter("landmark.predictions",
		metric.WithDescription("Prediction requests by outcome")); err != nil {
		return nil, err
	}
	if s.labelFallbacks, err = meter.Int64Counter("landmark.label_fallbacks",
		metric.WithDescription("Predictions whose class index had no label")); err != nil {
		return nil, err
	}
	if s.duration, err = meter.Float64Histogram("landmark.prediction.duration",
		metric.WithDescription("End-to-end prediction latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *service) Ready() bool {
	return s.classifier != nil
}

func (s *service) Predict(ctx context.Context, url string) (result *datamodel.PredictionResult, err error) {
	if custom_logger.RequestID(ctx) == "" {
		ctx = custom_logger.WithRequestID(ctx, uuid.Must(uuid.NewV4()).String())
	}
	logger, _ := custom_logger.GetZapLogger(ctx)

	start := time.Now()
	record := &datamodel.PredictionRecord{RequestID: custom_logger.RequestID(ctx), Time: start}
	defer func() {
		record.Outcome = outcome(err)
		record.Duration = time.Since(start)
		if result != nil {
			record.Label, record.Index, record.Confidence = result.Label, result.Index, result.Confidence
		}
		attrs := metric.WithAttributes(attribute.String("outcome", record.Outcome))
		s.predictions.Add(ctx, 1, attrs)
		s.duration.Record(ctx, record.Duration.Seconds(), attrs)
		s.recorder.Record(ctx, record)
		if err != nil {
			logger.Error("prediction failed", zap.String("url", url), zap.String("outcome", record.Outcome), zap.Error(err))
		}
	}()

	if !s.Ready() {
		return nil, ErrEngineNotInitialized
	}
	if url == "" {
		return nil, ErrNoURL
	}

	img, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	record.MIMEType = img.MIMEType

	rgb, _, err := s.transform.Decode(img.Bytes)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	x, err := s.transform.Apply(rgb)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if want := s.transform.OutputShape(); !x.SameShape(want) {
		return nil, &DecodeError{Err: fmt.Errorf("preprocessed tensor has shape %v, want %v", x.Shape, want)}
	}

	pred, err := s.classifier.Classify(ctx, x)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}

	label, ok := s.labels.Name(pred.Index)
	if !ok {
		s.labelFallbacks.Add(ctx, 1)
		logger.Warn("class index has no label, the label file and checkpoint may disagree",
			zap.Int("index", pred.Index),
			zap.Int("labels", s.labels.Len()))
	}

	logger.Info("prediction",
		zap.String("url", url),
		zap.String("class", label),
		zap.Int("index", pred.Index),
		zap.Float64("confidence", pred.Confidence))

	return &datamodel.PredictionResult{
		Label:         label,
		Index:         pred.Index,
		Confidence:    pred.Confidence,
		LabelFallback: !ok,
	}, nil
}

func outcome(err error) string {
	var (
		fetchErr     *FetchError
		decodeErr    *DecodeError
		inferenceErr *InferenceError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrEngineNotInitialized):
		return OutcomeEngineUnavailable
	case errors.Is(err, ErrNoURL):
		return OutcomeInvalidRequest
	case errors.As(err, &fetchErr):
		return OutcomeFetchError
	case errors.As(err, &decodeErr):
		return OutcomeDecodeError
	case errors.As(err, &inferenceErr):
		return OutcomeInferenceError
	default:
		return OutcomeInferenceError
	}
}
