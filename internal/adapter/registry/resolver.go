// Package registry implements the participant-resolution port against the
// character registry's HTTP API. Resolutions are cached through the cache
// port so steady-state runs do not hammer the registry; team and pool
// membership changes show up after the TTL.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/troupehq/troupe/internal/config"
	"github.com/troupehq/troupe/internal/domain"
	"github.com/troupehq/troupe/internal/domain/participant"
	"github.com/troupehq/troupe/internal/domain/pipeline"
	"github.com/troupehq/troupe/internal/port/cache"
	"github.com/troupehq/troupe/internal/resilience"
)

// Resolver resolves participant references via the registry service.
type Resolver struct {
	baseURL    string
	key        func() string
	cache      cache.Cache
	ttl        time.Duration
	breaker    *resilience.Breaker
	httpClient *http.Client
}

// New creates a resolver. key is called per request so vault reloads take
// effect without a restart; nil falls back to the configured static key.
// cache may be nil to disable caching.
func New(cfg config.Registry, key func() string, c cache.Cache) *Resolver {
	if key == nil {
		key = func() string { return cfg.APIKey }
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		baseURL:    cfg.URL,
		key:        key,
		cache:      c,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetBreaker attaches a circuit breaker to registry calls. An open circuit
// surfaces as domain.ErrUnavailable; cached resolutions keep serving while
// the circuit is open.
func (r *Resolver) SetBreaker(b *resilience.Breaker) {
	r.breaker = b
}

type resolveRequest struct {
	Refs []pipeline.ParticipantRef `json:"refs"`
}

type resolveResponse struct {
	Participants []participant.Participant `json:"participants"`
}

// Resolve returns the callable participants for the given references, in
// registry order. Identical reference lists hit the cache within the TTL.
func (r *Resolver) Resolve(ctx context.Context, refs []pipeline.ParticipantRef) ([]participant.Participant, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(resolveRequest{Refs: refs})
	if err != nil {
		return nil, fmt.Errorf("marshal resolve request: %w", err)
	}
	cacheKey := resolveCacheKey(body)

	if r.cache != nil {
		if data, ok, err := r.cache.Get(ctx, cacheKey); err == nil && ok {
			var parts []participant.Participant
			if err := json.Unmarshal(data, &parts); err == nil {
				return parts, nil
			}
		}
	}

	parts, err := r.resolveRemote(ctx, body)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(parts); err == nil {
			_ = r.cache.Set(ctx, cacheKey, data, r.ttl)
		}
	}
	return parts, nil
}

// resolveRemote runs the registry call through the breaker when one is
// attached.
func (r *Resolver) resolveRemote(ctx context.Context, body []byte) ([]participant.Participant, error) {
	if r.breaker == nil {
		return r.fetch(ctx, body)
	}
	var parts []participant.Participant
	err := r.breaker.Execute(func() error {
		var ferr error
		parts, ferr = r.fetch(ctx, body)
		return ferr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("registry: %w", domain.ErrUnavailable)
		}
		return nil, err
	}
	return parts, nil
}

func (r *Resolver) fetch(ctx context.Context, body []byte) ([]participant.Participant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := r.key(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %v: %w", err, domain.ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read resolve response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("unknown participant reference: %w", domain.ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("registry error %d: %w", resp.StatusCode, domain.ErrUnavailable)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("registry rejected references (%d): %s: %w", resp.StatusCode, string(data), domain.ErrValidation)
	}

	var out resolveResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal resolve response: %w", err)
	}
	return out.Participants, nil
}

// resolveCacheKey derives a stable cache key from the serialized references.
func resolveCacheKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "registry:resolve:" + hex.EncodeToString(sum[:])
}
