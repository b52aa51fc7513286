package datamodel

import (
	"fmt"
	"time"
)

// PredictRequest is the body of POST /predict.
type PredictRequest struct {
	URL string `json:"url"`
}

// PredictResponse is returned on a successful prediction.
type PredictResponse struct {
	Class      string `json:"class"`
	Confidence string `json:"confidence"`
}

// HealthResponse mirrors the grpc.health.v1 serving status.
type HealthResponse struct {
	Status string `json:"status"`
}

// PredictionResult is the outcome of one classification.
type PredictionResult struct {
	Label      string
	Index      int
	Confidence float64
	// LabelFallback is set when the index had no entry in the label table.
	LabelFallback bool
}

// Response renders the result for the HTTP API.
func (r *PredictionResult) Response() *PredictResponse {
	return &PredictResponse{Class: r.Label, Confidence: FormatConfidence(r.Confidence)}
}

// FormatConfidence renders a probability as a percentage with two decimals,
// e.g. 0.87234 -> "87.23%".
func FormatConfidence(p float64) string {
	return fmt.Sprintf("%.2f%%", p*100)
}

// PredictionRecord is a completed request as written to the time series store.
type PredictionRecord struct {
	RequestID  string
	Outcome    string
	Label      string
	Index      int
	Confidence float64
	MIMEType   string
	Duration   time.Duration
	Time       time.Time
}
