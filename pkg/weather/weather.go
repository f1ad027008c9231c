// Package weather proxies upstream weather data for devices, with a
// persistent TTL cache so a fleet of thermostats polling every few minutes
// does not hammer the provider.
package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/metrics"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/types"
)

// defaultUpstream serves forecast JSON for a free-form location query.
const defaultUpstream = "https://wttr.in"

// maxResponseBytes bounds an upstream response.
const maxResponseBytes = 1 << 20

// Options configures the weather proxy.
type Options struct {
	// UpstreamURL is the provider base URL. Empty selects the default.
	UpstreamURL string

	// TTL is how long a cached response stays fresh.
	TTL time.Duration
}

// Service is the weather proxy with its TTL cache.
type Service struct {
	opts   Options
	store  storage.Store
	client *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}

	now func() time.Time
}

// NewService creates the weather proxy backed by the given store.
func NewService(opts Options, store storage.Store) *Service {
	if opts.UpstreamURL == "" {
		opts.UpstreamURL = defaultUpstream
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &Service{
		opts:     opts,
		store:    store,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   log.WithComponent("weather"),
		inflight: make(map[string]chan struct{}),
		now:      time.Now,
	}
}

// Lookup returns cached weather data for the location, fetching from the
// upstream provider when the cache is stale or empty. Concurrent lookups for
// the same location coalesce into one upstream request.
func (s *Service) Lookup(ctx context.Context, postalCode, country string) ([]byte, error) {
	if data, ok := s.cached(postalCode, country); ok {
		metrics.WeatherCacheHits.WithLabelValues("hit").Inc()
		return data, nil
	}

	key := postalCode + "," + country
	for {
		s.mu.Lock()
		wait, busy := s.inflight[key]
		if !busy {
			done := make(chan struct{})
			s.inflight[key] = done
			s.mu.Unlock()

			data, err := s.fetch(ctx, postalCode, country)

			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			close(done)
			return data, err
		}
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The leader finished; its result is in the cache on success.
		if data, ok := s.cached(postalCode, country); ok {
			metrics.WeatherCacheHits.WithLabelValues("hit").Inc()
			return data, nil
		}
		// Leader failed; take over the fetch.
	}
}

func (s *Service) cached(postalCode, country string) ([]byte, bool) {
	entry, err := s.store.GetWeather(postalCode, country)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("weather cache read failed")
		}
		return nil, false
	}
	age := s.now().UnixMilli() - entry.FetchedAt
	if age > s.opts.TTL.Milliseconds() {
		return nil, false
	}
	return entry.Data, true
}

func (s *Service) fetch(ctx context.Context, postalCode, country string) ([]byte, error) {
	u := fmt.Sprintf("%s/%s?format=j1",
		s.opts.UpstreamURL, url.PathEscape(postalCode+","+country))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.WeatherCacheHits.WithLabelValues("error").Inc()
		return s.stale(postalCode, country, fmt.Errorf("upstream fetch failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.WeatherCacheHits.WithLabelValues("error").Inc()
		return s.stale(postalCode, country, fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.WeatherCacheHits.WithLabelValues("error").Inc()
		return s.stale(postalCode, country, fmt.Errorf("failed to read upstream body: %w", err))
	}

	entry := &types.WeatherEntry{
		PostalCode: postalCode,
		Country:    country,
		FetchedAt:  s.now().UnixMilli(),
		Data:       data,
	}
	if err := s.store.PutWeather(entry); err != nil {
		s.logger.Warn().Err(err).Msg("weather cache write failed")
	}

	metrics.WeatherCacheHits.WithLabelValues("miss").Inc()
	return data, nil
}

// stale falls back to an expired cache entry when the upstream is down; a
// few hours old beats an error screen on the thermostat.
func (s *Service) stale(postalCode, country string, cause error) ([]byte, error) {
	entry, err := s.store.GetWeather(postalCode, country)
	if err != nil {
		return nil, cause
	}
	s.logger.Warn().Err(cause).
		Str("postal_code", postalCode).
		Msg("serving stale weather data")
	return entry.Data, nil
}
