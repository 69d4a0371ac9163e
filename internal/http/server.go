package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"membuf/pkg/config"
	"membuf/pkg/dberrors"
	"membuf/pkg/engine"
)

const (
	contentTypeJSON        = "application/json"
	headerRequestID        = "X-Request-ID"
	defaultShutdownTimeout = time.Second * 5

	maxValueBytes    = 4 << 20
	defaultScanLimit = 100
	maxScanLimit     = 10000
)

type iStoreAPI interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Scan(start, end []byte, fn func(key, value []byte) bool) error
	Flush() error
	Stats() engine.Stats
}

// Server exposes a store over HTTP.
type Server struct {
	store      iStoreAPI
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance. Port 0 picks a free port on Start.
func NewServer(store iStoreAPI, cfg config.ServerConfig) *Server {
	return &Server{
		store:             store,
		addr:              ":" + strconv.Itoa(cfg.Port),
		readHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.URL = "http://" + ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().Str("addr", s.URL).Msg("HTTP server started")
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, accessLog, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/scan", s.handleScan)
		r.Post("/flush", s.handleFlush)

		r.Put("/kv/{key}", s.handlePut)
		r.Get("/kv/{key}", s.handleGet)
		r.Delete("/kv/{key}", s.handleDelete)
	})

	return r
}

// requestID propagates or assigns X-Request-ID and attaches a request
// scoped logger to the context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			zerolog.Ctx(r.Context()).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("request handled")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Error encoding response")
	}
}

// writeError maps store errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// urlKey returns the decoded {key} segment. chi matches on the raw path when
// the request carries escaped slashes, leaving the parameter escaped.
func urlKey(r *http.Request) string {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		if k, err := url.PathUnescape(key); err == nil {
			key = k
		}
	}
	return key
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewStatsResponse(s.store.Stats()))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := urlKey(r)

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("Value too large"))
			return
		}
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read body"))
		return
	}

	if err := s.store.Put([]byte(key), value); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := urlKey(r)

	value, err := s.store.Get([]byte(key))
	if err != nil {
		if errors.Is(err, dberrors.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(key, value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := urlKey(r)

	if err := s.store.Delete([]byte(key)); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultScanLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxScanLimit {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		limit = n
	}

	var start, end []byte
	if v := q.Get("start"); v != "" {
		start = []byte(v)
	}
	if v := q.Get("end"); v != "" {
		end = []byte(v)
	}

	items := make([]Item, 0, min(limit, defaultScanLimit))
	err := s.store.Scan(start, end, func(key, value []byte) bool {
		items = append(items, Item{Key: key, Value: value})
		return len(items) < limit
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewItemsResponse(items))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
