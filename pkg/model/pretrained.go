package model

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/landmark-backend/pkg/constant"
	"github.com/instill-ai/landmark-backend/pkg/logger"
)

// PretrainedSource supplies the generic pretrained prior for the backbone as
// checkpoint bytes.
type PretrainedSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// ErrNoPretrainedSource is the fallback reason when no prior is configured.
var ErrNoPretrainedSource = errors.New("no pretrained weights configured")

// RemotePretrained downloads the prior over HTTP and keeps a copy in redis so
// restarts do not hit the network again.
type RemotePretrained struct {
	client *resty.Client
	url    string
	cache  *redis.Client
	ttl    time.Duration
}

// NewRemotePretrained returns a source for url. cache may be nil.
func NewRemotePretrained(url string, timeout time.Duration, cache *redis.Client, ttl time.Duration) *RemotePretrained {
	return &RemotePretrained{
		client: resty.New().SetTimeout(timeout),
		url:    url,
		cache:  cache,
		ttl:    ttl,
	}
}

func (p *RemotePretrained) cacheKey() string {
	sum := sha256.Sum256([]byte(p.url))
	return constant.PretrainedCacheKeyPrefix + hex.EncodeToString(sum[:8])
}

// Fetch returns the cached prior or downloads it.
func (p *RemotePretrained) Fetch(ctx context.Context) ([]byte, error) {
	log, _ := logger.GetZapLogger(ctx)

	if p.cache != nil {
		b, err := p.cache.Get(ctx, p.cacheKey()).Bytes()
		switch {
		case err == nil:
			log.Debug("pretrained weights served from cache", zap.String("url", p.url))
			return b, nil
		case !errors.Is(err, redis.Nil):
			log.Warn("pretrained cache lookup failed", zap.Error(err))
		}
	}

	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("unable to download pretrained weights: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unable to download pretrained weights: unexpected status %s", resp.Status())
	}
	body := resp.Body()
	if _, err := ReadCheckpoint(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("downloaded pretrained weights are unusable: %w", err)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, p.cacheKey(), body, p.ttl).Err(); err != nil {
			log.Warn("unable to cache pretrained weights", zap.Error(err))
		}
	}
	return body, nil
}

// applyPretrained copies matching entries of the prior into params. Entries
// the backbone does not have are ignored; a shape mismatch aborts without
// modifying anything.
func applyPretrained(params *Params, ckpt *Checkpoint) (int, error) {
	type pair struct {
		dst, src []float32
	}
	var pending []pair
	for _, name := range params.Names() {
		src, ok := ckpt.Tensors[name]
		if !ok {
			continue
		}
		dst, _ := params.Get(name)
		if !dst.SameShape(src.Shape) {
			return 0, fmt.Errorf("pretrained %s has shape %v, expected %v", name, src.Shape, dst.Shape)
		}
		pending = append(pending, pair{dst: dst.Data, src: src.Data})
	}
	if len(pending) == 0 {
		return 0, errors.New("pretrained weights share no parameters with the backbone")
	}
	for _, p := range pending {
		copy(p.dst, p.src)
	}
	return len(pending), nil
}
