// Package api is the operator surface: a second HTTP listener for dashboard
// tooling, separate from the device protocol port.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openhearth/hearthd/pkg/command"
	"github.com/openhearth/hearthd/pkg/fanout"
	"github.com/openhearth/hearthd/pkg/httperr"
	"github.com/openhearth/hearthd/pkg/log"
	"github.com/openhearth/hearthd/pkg/metrics"
	"github.com/openhearth/hearthd/pkg/pairing"
	"github.com/openhearth/hearthd/pkg/presence"
	"github.com/openhearth/hearthd/pkg/state"
	"github.com/openhearth/hearthd/pkg/storage"
)

// Options configures the operator server.
type Options struct {
	Addr string

	// Origin restricts CORS. Empty allows any origin.
	Origin string

	// Version is reported by the index and stats endpoints.
	Version string
}

// Server is the operator HTTP surface.
type Server struct {
	opts     Options
	cache    *state.Cache
	registry *fanout.Registry
	pairing  *pairing.Service
	commands *command.Service
	tracker  *presence.Tracker
	store    storage.Store
	logger   zerolog.Logger

	httpSrv   *http.Server
	startTime time.Time
	nowMs     func() int64
}

// NewServer wires the operator handlers.
func NewServer(opts Options, cache *state.Cache, registry *fanout.Registry, pair *pairing.Service, commands *command.Service, tracker *presence.Tracker, store storage.Store) *Server {
	return &Server{
		opts:      opts,
		cache:     cache,
		registry:  registry,
		pairing:   pair,
		commands:  commands,
		tracker:   tracker,
		store:     store,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Routes builds the operator handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleIndex)
	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /notify-device", s.handleNotifyDevice)
	mux.HandleFunc("POST /command", s.handleCommand)

	mux.HandleFunc("POST /api/dismiss-pairing/{serial}", s.handleDismissPairing)
	mux.HandleFunc("DELETE /api/device", s.handleDeleteDevice)

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("GET /api/registered-devices", s.handleRegisteredDevices)
	mux.HandleFunc("DELETE /api/registered-devices/{serial}", s.handleUnregisterDevice)
	mux.HandleFunc("POST /api/ensure-user", s.handleEnsureUser)

	mux.HandleFunc("POST /api/mqtt-config", s.handlePutMQTTConfig)
	mux.HandleFunc("GET /api/mqtt-config", s.handleGetMQTTConfig)

	mux.HandleFunc("POST /api/keys", s.handleCreateAPIKey)
	mux.HandleFunc("GET /api/keys", s.handleListAPIKeys)
	mux.HandleFunc("DELETE /api/keys/{id}", s.handleDeleteAPIKey)

	mux.HandleFunc("POST /api/shares", s.handleCreateShare)
	mux.HandleFunc("GET /api/shares", s.handleListShares)
	mux.HandleFunc("DELETE /api/shares/{id}", s.handleDeleteShare)
	mux.HandleFunc("POST /api/share-invites", s.handleCreateShareInvite)
	mux.HandleFunc("POST /api/share-invites/accept", s.handleAcceptShareInvite)

	mux.HandleFunc("GET /api/device-logs", s.handleDeviceLogs)

	return s.cors(s.observe(s.authenticate(mux)))
}

// authenticate verifies an operator API key when the request presents one.
// Keyless requests pass through; the dashboard deployment fronts its own
// auth and identifies callers by user id.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerKey(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		sum := sha256.Sum256([]byte(key))
		rec, err := s.store.GetAPIKeyByHash(hex.EncodeToString(sum[:]))
		if err != nil {
			httperr.Write(w, httperr.New(httperr.KindUnauthorized, "invalid api key"))
			return
		}

		rec.LastUsedAt = s.nowMs()
		if err := s.store.PutAPIKey(rec); err != nil {
			s.logger.Warn().Err(err).Str("key_id", rec.ID).Msg("failed to record key use")
		}
		next.ServeHTTP(w, r)
	})
}

// bearerKey extracts an hk_ key from the Authorization header, if any.
func bearerKey(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, prefix) && strings.HasPrefix(h[len(prefix):], "hk_") {
		return h[len(prefix):]
	}
	return ""
}

// Start begins serving on the configured address. Blocks until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.logger.Info().Str("addr", s.opts.Addr).Msg("operator api listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// cors applies the permissive CORS policy the dashboard expects.
func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.opts.Origin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return httperr.Wrap(httperr.KindBadRequest, "invalid request body", err)
	}
	return nil
}
