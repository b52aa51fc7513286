package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"

	"github.com/instill-ai/landmark-backend/pkg/logger"
)

const defaultFetchTimeout = 10 * time.Second

// ErrNotImage is returned when the downloaded content is not an image.
var ErrNotImage = errors.New("content is not an image")

// ErrTooLarge is returned when the downloaded content exceeds the size cap.
var ErrTooLarge = errors.New("content exceeds the size limit")

// ImageClient downloads images referenced by prediction requests. Requests
// are not retried.
type ImageClient struct {
	*resty.Client
	maxBytes int64
}

// NewImageClient returns an initialized image client. A zero timeout uses
// the 10 second default; maxBytes <= 0 disables the size cap.
func NewImageClient(ctx context.Context, timeout time.Duration, maxBytes int64) *ImageClient {
	log, _ := logger.GetZapLogger(ctx)
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	r := resty.New().
		SetLogger(log.Sugar()).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "image/*")

	return &ImageClient{Client: r, maxBytes: maxBytes}
}

// Image is downloaded image content.
type Image struct {
	Bytes    []byte
	MIMEType string
}

// Fetch GETs url and returns its body. Transport errors, non-2xx statuses,
// oversized bodies and non-image content are all failures.
func (c *ImageClient) Fetch(ctx context.Context, url string) (*Image, error) {
	r := c.R().SetContext(ctx).SetDoNotParseResponse(true)
	resp, err := r.Get(url)
	if err != nil {
		return nil, fmt.Errorf("unable to download image at %v: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unable to download image at %v: unexpected status %s", url, resp.Status())
	}

	b, err := readLimited(body, c.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("unable to download image at %v: %w", url, err)
	}

	mime := mimetype.Detect(b)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, fmt.Errorf("unable to download image at %v: %w (detected %s)", url, ErrNotImage, mime.String())
	}

	return &Image{Bytes: b, MIMEType: mime.String()}, nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrTooLarge, maxBytes)
	}
	return b, nil
}
