// Package httpapi is the thin HTTP surface above the pingstore
// controllers: request parsing, response encoding, and gzip compression.
// None of it touches the wire protocol or the pool; it only ever calls
// through pingstore.Store.
package httpapi

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pingtrack/internal/pgclient"
	"pingtrack/internal/pingstore"
)

// Server wires pingstore onto an http.ServeMux using the Go 1.22+ pattern
// syntax, the same way the corpus's own servenv builds directly on
// net/http rather than reaching for a third-party router.
type Server struct {
	store *pingstore.Store
	log   *slog.Logger
	mux   *http.ServeMux
}

// New builds the HTTP handler for the pings API.
func New(store *pingstore.Store, log *slog.Logger) *Server {
	s := &Server{store: store, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /pings", s.handleCreate)
	s.mux.HandleFunc("GET /pings", s.handleRange)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gzipMiddleware(s.mux).ServeHTTP(w, r)
}

type createRequest struct {
	DeviceID  string `json:"device_id"`
	EpochTime int64  `json:"epoch_time"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	err := s.store.Insert(pingstore.Ping{DeviceID: req.DeviceID, EpochTime: req.EpochTime})
	if err != nil {
		var qerr *pgclient.QueryError
		if errors.As(err, &qerr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("insert ping failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{})
}

type rangeResponse struct {
	DeviceID string          `json:"device_id"`
	Pings    []rangePingItem `json:"pings"`
}

type rangePingItem struct {
	EpochTime int64 `json:"epoch_time"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	from, err := parseRFC3339(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	to, err := parseRFC3339(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC3339")
		return
	}

	pings, err := s.store.Range(deviceID, from, to)
	if err != nil {
		var qerr *pgclient.QueryError
		if errors.As(err, &qerr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("range query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]rangePingItem, len(pings))
	for i, p := range pings {
		items[i] = rangePingItem{EpochTime: p.EpochTime}
	}
	writeJSON(w, http.StatusOK, rangeResponse{DeviceID: deviceID, Pings: items})
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// gzipResponseWriter wraps an http.ResponseWriter, compressing everything
// written to it.
type gzipResponseWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (g *gzipResponseWriter) Write(b []byte) (int, error) {
	return g.zw.Write(b)
}

// gzipMiddleware compresses the response body when the client advertises
// gzip support, matching spec.md's explicit mention of gzip response
// compression as an external collaborator of the core.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		zw := gzip.NewWriter(w)
		defer zw.Close()
		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, zw: zw}, r)
	})
}
