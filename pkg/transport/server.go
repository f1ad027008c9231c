package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/openhearth/hearthd/pkg/fanout"
	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/metrics"
	"github.com/openhearth/hearthd/pkg/pairing"
	"github.com/openhearth/hearthd/pkg/presence"
	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/storage"
	"github.com/openhearth/hearthd/pkg/weather"
	"github.com/rs/zerolog"
)

// Options configures the device-facing server.
type Options struct {
	Addr string

	// SubscriptionTimeout bounds one-shot subscribe waiters. Zero means
	// wait until woken or the connection drops.
	SubscriptionTimeout time.Duration

	// ServerVersion is advertised by /nest/entry and /nest/ping.
	ServerVersion string

	// BaseURL overrides the URLs advertised by /nest/entry. Empty derives
	// them from the request host.
	BaseURL string

	// CertDir holds cert.pem and key.pem for TLS termination. Legacy
	// firmware pins the vendor chain; empty serves plain HTTP behind a
	// terminating proxy.
	CertDir string
}

// Server terminates the proprietary device protocol.
type Server struct {
	opts     Options
	cache    *state.Cache
	registry *fanout.Registry
	pairing  *pairing.Service
	tracker  *presence.Tracker
	weather  *weather.Service
	store    storage.Store
	logger   zerolog.Logger

	httpSrv    *http.Server
	baseCancel context.CancelFunc
	nowMs      func() int64
}

// NewServer wires the device protocol handlers.
func NewServer(opts Options, cache *state.Cache, registry *fanout.Registry, pair *pairing.Service, tracker *presence.Tracker, wthr *weather.Service, store storage.Store) *Server {
	s := &Server{
		opts:     opts,
		cache:    cache,
		registry: registry,
		pairing:  pair,
		tracker:  tracker,
		weather:  wthr,
		store:    store,
		logger:   log.WithComponent("transport"),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
	return s
}

// Routes builds the handler tree, wrapped with the legacy URL rewriter and
// request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /nest/entry", s.handleEntry)
	mux.HandleFunc("POST /nest/entry", s.handleEntry)
	mux.HandleFunc("GET /nest/ping", s.handlePing)
	mux.HandleFunc("GET /nest/software_update", s.handleSoftwareUpdate)
	mux.HandleFunc("POST /nest/software_update", s.handleSoftwareUpdate)
	mux.HandleFunc("GET /nest/passphrase", s.handlePassphrase)
	mux.HandleFunc("GET /nest/passphrase/status", s.handlePassphraseStatus)

	mux.HandleFunc("GET /nest/transport/device/{serial}", s.handleListing)
	mux.HandleFunc("POST /nest/transport", s.handleSubscribe)
	mux.HandleFunc("POST /nest/transport/{version}/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /nest/transport/put", s.handlePut)
	mux.HandleFunc("POST /nest/transport/{version}/put", s.handlePut)
	mux.HandleFunc("GET /nest/transport/{path...}", s.handleLegacyListing)

	mux.HandleFunc("POST /nest/upload", s.handleUpload)
	mux.HandleFunc("GET /nest/weather/v1", s.handleWeather)
	mux.HandleFunc("GET /nest/weather/{path...}", s.handleWeather)
	mux.HandleFunc("GET /nest/pro_info/{code}", s.handleProInfo)

	return RewriteLegacyPaths(s.logRequests(mux))
}

// Start begins serving on the configured address. Blocks until Shutdown.
func (s *Server) Start() error {
	// Request contexts derive from this base; cancelling it on shutdown
	// wakes every open long-poll.
	baseCtx, cancel := context.WithCancel(context.Background())
	s.baseCancel = cancel

	s.httpSrv = &http.Server{
		Addr:        s.opts.Addr,
		Handler:     s.Routes(),
		BaseContext: func(net.Listener) context.Context { return baseCtx },
		// Long-polls hold connections open; only bound the header read.
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.opts.Addr).Bool("tls", s.opts.CertDir != "").Msg("device protocol listening")

	var err error
	if s.opts.CertDir != "" {
		err = s.httpSrv.ListenAndServeTLS(
			filepath.Join(s.opts.CertDir, "cert.pem"),
			filepath.Join(s.opts.CertDir, "key.pem"),
		)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("device server failed: %w", err)
	}
	return nil
}

// Shutdown cancels open long-polls and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if s.baseCancel != nil {
		s.baseCancel()
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
		metrics.DeviceRequests.WithLabelValues(r.Method, r.URL.Path).Inc()
	})
}

// markSeen updates the availability tracker for any ingress that carries a
// known serial.
func (s *Server) markSeen(serial string) {
	if serial != "" {
		s.tracker.MarkSeen(serial)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Connection-level failure; the handler already committed.
		return
	}
}
