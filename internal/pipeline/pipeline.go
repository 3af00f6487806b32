// Package pipeline sequences one screenshot request: admission, cache
// lookup, rate limiting, and coordinated capture.
//
// Concurrent misses on the same canonical URL are not collapsed: each takes
// its own permit, captures independently, and writes the cache, with the
// last writer's metadata winning. Known inefficiency, kept because
// single-flighting would change latency and resource behavior under load.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wajeht/shotcache/internal/cache"
	"github.com/wajeht/shotcache/internal/capture"
	"github.com/wajeht/shotcache/internal/keys"
	"github.com/wajeht/shotcache/internal/ratelimit"
	"github.com/wajeht/shotcache/internal/urlx"
)

// Config carries the service-wide admission and limiting settings.
type Config struct {
	RequireHTTPS bool
	MaxURLLength int

	// Window is the span every rate tier counts within.
	Window time.Duration

	// Client-tier ceilings per network address. Hits are cheap and get the
	// generous ceiling; misses cost a capture and get the strict one.
	ClientHitLimit  int
	ClientMissLimit int
}

// Request is one resolved, admission-pending screenshot request.
type Request struct {
	Principal *keys.Principal
	URL       string
	Referrer  string
	ClientIP  string
}

// Result is a served image. Latency is the generation cost: just measured on
// a miss, replayed from the entry on a hit.
type Result struct {
	Bytes        []byte
	CanonicalURL string
	Key          string
	Cached       bool
	Latency      time.Duration
}

// Pipeline wires the components together. It holds no per-request state.
type Pipeline struct {
	config      Config
	validator   *urlx.Validator
	cache       *cache.Store
	limiter     *ratelimit.Limiter
	coordinator *capture.Coordinator
	logger      *slog.Logger
}

func New(config Config, store *cache.Store, limiter *ratelimit.Limiter, coordinator *capture.Coordinator, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		config:      config,
		validator:   &urlx.Validator{RequireHTTPS: config.RequireHTTPS, MaxURLLength: config.MaxURLLength},
		cache:       store,
		limiter:     limiter,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Handle runs the request through the fixed sequence: validate, cache
// lookup, rate limits (mode depends on the cache outcome), then either the
// cached bytes or a coordinated capture. The first failing stage is
// terminal.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Result, error) {
	principal := req.Principal

	if err := p.validator.Validate(req.URL, principal.Domains, principal.Admin()); err != nil {
		return nil, err
	}

	canonical, err := urlx.Normalize(req.URL)
	if err != nil {
		return nil, err
	}

	data, entry, getErr := p.cache.Get(canonical)
	isHit := getErr == nil

	if err := p.enforceLimits(principal, req, isHit); err != nil {
		return nil, err
	}

	if isHit {
		p.logger.Info("served from cache",
			slog.String("key", entry.Key),
			slog.String("principal", principal.ID),
		)
		return &Result{
			Bytes:        data,
			CanonicalURL: canonical,
			Key:          entry.Key,
			Cached:       true,
			Latency:      entry.Latency,
		}, nil
	}

	// The capture is deliberately detached from the request context: an
	// abandoned caller does not cancel the generation, and the result is
	// cached either way.
	image, latency, err := p.coordinator.Run(context.WithoutCancel(ctx), req.URL)
	if err != nil {
		return nil, err
	}

	key := cache.Key(canonical)
	if putEntry, err := p.cache.Put(req.URL, canonical, image, latency); err != nil {
		// Caching is best effort; the image is still served.
		p.logger.Error("caching capture failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	} else {
		key = putEntry.Key
	}

	p.logger.Info("capture served",
		slog.String("key", key),
		slog.String("principal", principal.ID),
		slog.Int64("latency_ms", latency.Milliseconds()),
	)

	return &Result{
		Bytes:        image,
		CanonicalURL: canonical,
		Key:          key,
		Cached:       false,
		Latency:      latency,
	}, nil
}

// enforceLimits applies the three tiers in order. The request tier always
// counts; the generation tiers count only on a miss; the client tier picks
// its ceiling by cache outcome. Hit and miss traffic from one address count
// in separate scopes so a burst of cheap hits cannot trip the miss ceiling.
func (p *Pipeline) enforceLimits(principal *keys.Principal, req Request, isHit bool) error {
	window := p.config.Window

	if err := p.limiter.Enforce("req:"+principal.ID, principal.RequestsPerWindow, window); err != nil {
		return err
	}

	if !isHit {
		if err := p.limiter.Enforce("gen:"+principal.ID, principal.GenerationsPerWindow, window); err != nil {
			return err
		}
		if !principal.Admin() {
			if domain := urlx.ReferrerDomain(req.Referrer); domain != "" {
				scope := fmt.Sprintf("gen:%s:%s", principal.ID, domain)
				if err := p.limiter.Enforce(scope, principal.GenerationsPerWindow, window); err != nil {
					return err
				}
			}
		}
	}

	if req.ClientIP != "" {
		if isHit {
			return p.limiter.Enforce("client:hit:"+req.ClientIP, p.config.ClientHitLimit, window)
		}
		return p.limiter.Enforce("client:miss:"+req.ClientIP, p.config.ClientMissLimit, window)
	}

	return nil
}
