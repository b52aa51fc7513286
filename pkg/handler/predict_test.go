package handler

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/instill-ai/landmark-backend/pkg/inference"
	"github.com/instill-ai/landmark-backend/pkg/labels"
	"github.com/instill-ai/landmark-backend/pkg/model"
	"github.com/instill-ai/landmark-backend/pkg/service"

	httpclient "github.com/instill-ai/landmark-backend/pkg/client/http"
)

func landmarkEngine(t *testing.T, classes int) *inference.Engine {
	t.Helper()
	ctx := context.Background()
	arch, statuses := model.Build(ctx, model.BuildOptions{NumClasses: classes, Seed: 7})
	require.NotNil(t, arch, "%+v", statuses)

	path := filepath.Join(t.TempDir(), "best_model.safetensors")
	require.NoError(t, model.WriteCheckpointFile(path, arch.Parameters().StateDict(), nil))
	state, err := model.LoadCheckpoint(ctx, arch, path, model.DeviceCPU)
	require.NoError(t, err)
	return inference.NewEngine(state)
}

func newLandmarkService(t *testing.T, c service.Classifier) service.Service {
	t.Helper()
	fetcher := httpclient.NewImageClient(context.Background(), 5*time.Second, 20<<20)
	table := labels.NewTable([]string{"Eiffel Tower", "Colosseum", "Big Ben"})
	s, err := service.NewService(c, fetcher, table, nil, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return s
}

func photoServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 420, 380))
	for y := 0; y < 380; y++ {
		for x := 0; x < 420; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var photo bytes.Buffer
	require.NoError(t, jpeg.Encode(&photo, img, nil))

	var strip bytes.Buffer
	require.NoError(t, png.Encode(&strip, image.NewGray(image.Rect(0, 0, 40_000, 1))))

	mux := http.NewServeMux()
	mux.HandleFunc("/louvre.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(photo.Bytes())
	})
	mux.HandleFunc("/strip.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(strip.Bytes())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlePredict_Service(t *testing.T) {
	srv := photoServer(t)

	t.Run("model not loaded", func(t *testing.T) {
		rec, out := predict(newLandmarkService(t, nil), `{"url": "`+srv.URL+`/louvre.jpg"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, map[string]string{"error": "AI Engine not initialized"}, out)
	})

	s := newLandmarkService(t, landmarkEngine(t, 3))

	t.Run("success", func(t *testing.T) {
		rec, out := predict(s, `{"url": "`+srv.URL+`/louvre.jpg"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, []string{"Eiffel Tower", "Colosseum", "Big Ben"}, out["class"])
		assert.True(t, strings.HasSuffix(out["confidence"], "%"), out["confidence"])
	})

	t.Run("missing url", func(t *testing.T) {
		rec, out := predict(s, `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, map[string]string{"error": "No URL provided"}, out)
	})

	t.Run("unreachable url", func(t *testing.T) {
		rec, out := predict(s, `{"url": "http://127.0.0.1:1/x.jpg"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, out["error"], "unable to download image at http://127.0.0.1:1/x.jpg")
	})

	t.Run("undecodable geometry", func(t *testing.T) {
		rec, out := predict(s, `{"url": "`+srv.URL+`/strip.png"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, out["error"], "aspect ratio")
	})
}
