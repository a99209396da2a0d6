package matrix

import (
	"github.com/Pierre-Graber/optimizer-api/internal/config"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

// FromConfig builds the matrix service: the HTTP router behind a cache
// (Redis when redisURL is set, memory otherwise) or, without a router URL,
// straight-line estimates. The returned func releases the cache.
func FromConfig(cfg config.RouterConfig, redisURL string, logger progress.Logger) (*Service, func(), error) {
	release := func() {}
	if cfg.URL == "" {
		logf(logger, "[matrix] no router configured, using straight-line estimates")
		s := NewService(Haversine{})
		s.Logger = logger
		return s, release, nil
	}
	hr := NewHTTPRouter(cfg.URL, cfg.APIKey, cfg.RateRPS, cfg.RateBurst)
	if cfg.MaxAttempts > 0 {
		hr.MaxAttempts = cfg.MaxAttempts
	}
	hr.Logger = logger

	var cache Cache = NewMemoryCache()
	if redisURL != "" {
		rc, err := NewRedisCache(redisURL)
		if err != nil {
			return nil, release, err
		}
		cache, release = rc, func() { _ = rc.Close() }
	}
	s := NewService(&CachedRouter{Router: hr, Cache: cache, TTL: cfg.CacheTTL, Namespace: cfg.URL})
	s.Logger = logger
	return s, release, nil
}
