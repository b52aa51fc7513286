// Package recorder writes completed predictions to a time series store.
package recorder

import (
	"context"
	"time"

	"go.uber.org/zap"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/instill-ai/landmark-backend/config"
	"github.com/instill-ai/landmark-backend/pkg/datamodel"
	"github.com/instill-ai/landmark-backend/pkg/logger"
)

// Measurement is the InfluxDB measurement predictions are written to.
const Measurement = "landmark.prediction"

// Recorder stores prediction records. Record must not block the request.
type Recorder interface {
	Record(ctx context.Context, rec *datamodel.PredictionRecord)
	Close()
}

type noopRecorder struct{}

// NewNoopRecorder returns a recorder that discards everything.
func NewNoopRecorder() Recorder { return noopRecorder{} }

func (noopRecorder) Record(context.Context, *datamodel.PredictionRecord) {}

func (noopRecorder) Close() {}

type influxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
}

// NewInfluxRecorder returns a recorder backed by the non-blocking InfluxDB
// write API. Write errors are logged and otherwise ignored.
func NewInfluxRecorder(ctx context.Context, cfg config.InfluxDBConfig) Recorder {
	log, _ := logger.GetZapLogger(ctx)

	opts := influxdb2.DefaultOptions()
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval / time.Millisecond))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	r := &influxRecorder{client: client, writeAPI: writeAPI, done: make(chan struct{})}
	go func() {
		errs := writeAPI.Errors()
		for {
			select {
			case err, ok := <-errs:
				if !ok {
					return
				}
				log.Warn("unable to write prediction record", zap.Error(err))
			case <-r.done:
				return
			}
		}
	}()
	return r
}

func (r *influxRecorder) Record(_ context.Context, rec *datamodel.PredictionRecord) {
	fields := map[string]any{
		"request_id":  rec.RequestID,
		"duration_ms": float64(rec.Duration) / float64(time.Millisecond),
	}
	if rec.Label != "" {
		fields["label"] = rec.Label
		fields["class_index"] = rec.Index
		fields["confidence"] = rec.Confidence
	}
	tags := map[string]string{"outcome": rec.Outcome}
	if rec.MIMEType != "" {
		tags["mime_type"] = rec.MIMEType
	}
	r.writeAPI.WritePoint(influxdb2.NewPoint(Measurement, tags, fields, rec.Time))
}

// Close flushes pending points.
func (r *influxRecorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
	close(r.done)
}
