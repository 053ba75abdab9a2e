// Package api provides the REST API for ingesting AIS payloads and
// querying vessel positions, the vessel registry and ports.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ais_store/internal/ais"
	"ais_store/internal/dao"
	"ais_store/internal/logging"
	"ais_store/internal/metrics"
	"ais_store/internal/storage"
	"ais_store/internal/tiles"
)

// MaxPayloadBytes caps the size of an ingestion request body.
const MaxPayloadBytes = 16 << 20

// Store is the part of dao.MessageDAO the API serves.
type Store interface {
	InsertMessages(ctx context.Context, payload []byte) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
	RecentPositions(ctx context.Context) ([]storage.VesselPosition, error)
	RecentPositionByMMSI(ctx context.Context, mmsi int64) ([]storage.VesselFix, error)
	PermanentInfo(ctx context.Context, mmsi, imo int64) ([]storage.VesselInfo, error)
	RecentPositionsInTile(ctx context.Context, tile int64) ([]storage.VesselFix, error)
	PortsByName(ctx context.Context, name, country string) ([]storage.Port, error)
	RecentPositionsAtPort(ctx context.Context, name, country string) ([]storage.VesselFix, error)
	LastFivePositions(ctx context.Context, mmsi int64) (storage.VesselTrack, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

var _ Store = (*dao.MessageDAO)(nil)

// Config holds configuration for the API server.
type Config struct {
	Timeout     time.Duration
	AuthEnabled bool
	APIKeys     []string // List of valid API keys.
}

// Server serves the AIS store over HTTP.
type Server struct {
	store       Store
	timeout     time.Duration
	authEnabled bool
	apiKeys     map[string]bool
}

func NewServer(store Store, cfg Config) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Server{
		store:       store,
		timeout:     cfg.Timeout,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
	}
}

// Handler returns the full router: middleware, /metrics and /api/v1.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(corsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1", s.Router())
	return r
}

// Router returns the /api/v1 routes for embedding in other servers.
// Health stays reachable without an API key.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.authEnabled {
			r.Use(s.authMiddleware)
		}

		r.Post("/messages", s.handleIngest)
		r.Delete("/messages/expired", s.handleDeleteExpired)

		r.Get("/positions", s.handleRecentPositions)
		r.Get("/vessels/{mmsi}/position", s.handleVesselPosition)
		r.Get("/vessels/{mmsi}/track", s.handleVesselTrack)
		r.Get("/vessels/{mmsi}/{imo}", s.handlePermanentInfo)

		r.Get("/tiles/{tile}", s.handleTile)
		r.Get("/tiles/{tile}/positions", s.handleTilePositions)

		r.Get("/ports", s.handlePorts)
		r.Get("/ports/positions", s.handlePortPositions)

		r.Get("/stats", s.handleStats)
	})

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Query parameter, for simple testing.
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request and counts it by route pattern.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", status/100)).Inc()

		logging.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// IngestResponse is returned by POST /messages.
type IngestResponse struct {
	Inserted int64 `json:"inserted"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	n, err := s.store.InsertMessages(r.Context(), body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, IngestResponse{Inserted: n})
}

// DeleteResponse is returned by DELETE /messages/expired.
type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

func (s *Server) handleDeleteExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteExpired(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: n})
}

func (s *Server) handleRecentPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.RecentPositions(r.Context())
	respond(w, positions, err)
}

func (s *Server) handleVesselPosition(w http.ResponseWriter, r *http.Request) {
	mmsi, err := dao.ParseMMSI(chi.URLParam(r, "mmsi"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	fixes, err := s.store.RecentPositionByMMSI(r.Context(), mmsi)
	respond(w, fixes, err)
}

func (s *Server) handleVesselTrack(w http.ResponseWriter, r *http.Request) {
	mmsi, err := dao.ParseMMSI(chi.URLParam(r, "mmsi"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	track, err := s.store.LastFivePositions(r.Context(), mmsi)
	respond(w, track, err)
}

func (s *Server) handlePermanentInfo(w http.ResponseWriter, r *http.Request) {
	mmsi, err := dao.ParseMMSI(chi.URLParam(r, "mmsi"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	imo, err := dao.ParseIMO(chi.URLParam(r, "imo"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	info, err := s.store.PermanentInfo(r.Context(), mmsi, imo)
	respond(w, info, err)
}

// TileResponse describes a tile key.
type TileResponse struct {
	Tile  int64      `json:"tile"`
	Zoom  uint32     `json:"zoom"`
	X     uint32     `json:"x"`
	Y     uint32     `json:"y"`
	Bound [4]float64 `json:"bound"` // min lon, min lat, max lon, max lat
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	key, err := dao.ParseTileID(chi.URLParam(r, "tile"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	t, ok := tiles.FromKey(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not a tile key")
		return
	}
	b := t.Bound()
	writeJSON(w, http.StatusOK, TileResponse{
		Tile:  key,
		Zoom:  uint32(t.Z),
		X:     t.X,
		Y:     t.Y,
		Bound: [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
	})
}

func (s *Server) handleTilePositions(w http.ResponseWriter, r *http.Request) {
	tile, err := dao.ParseTileID(chi.URLParam(r, "tile"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	fixes, err := s.store.RecentPositionsInTile(r.Context(), tile)
	respond(w, fixes, err)
}

func portQuery(r *http.Request) (name, country string, err error) {
	name = r.URL.Query().Get("name")
	country = r.URL.Query().Get("country")
	if name == "" || country == "" {
		return "", "", fmt.Errorf("%w: name and country are required", storage.ErrInvalidArgument)
	}
	return name, country, nil
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	name, country, err := portQuery(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ports, err := s.store.PortsByName(r.Context(), name, country)
	respond(w, ports, err)
}

func (s *Server) handlePortPositions(w http.ResponseWriter, r *http.Request) {
	name, country, err := portQuery(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	fixes, err := s.store.RecentPositionsAtPort(r.Context(), name, country)
	respond(w, fixes, err)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	respond(w, st, err)
}

// Helper functions.

func respond(w http.ResponseWriter, data any, err error) {
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ais.ErrMalformedPayload), errors.Is(err, storage.ErrInvalidArgument):
		return http.StatusBadRequest
	case storage.IsConnectionError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Err(err).Int("status", status).Msg("store request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
