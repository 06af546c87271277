// Package httpapi serves the OpenAI-compatible HTTP surface: request
// parsing, auth, admission control and the bridge between providers and the
// wire encoders.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/oaic/core/logx"
	"github.com/gaspardpetit/oaic/internal/metrics"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
	"github.com/gaspardpetit/oaic/internal/router"
)

// Config carries the frontend settings.
type Config struct {
	// APIKey enables auth when non-empty.
	APIKey string
	// MaxConcurrency bounds simultaneous inference requests.
	MaxConcurrency int
	// WaitTimeout bounds how long a request waits for a concurrency slot.
	WaitTimeout time.Duration
	// RequestTimeout bounds a single inference round trip and seeds each
	// provider's liveness window.
	RequestTimeout time.Duration
}

// Server is the OpenAI-compatible frontend.
type Server struct {
	cfg   Config
	rtr   *router.Router
	slots chan struct{}
}

// New builds a frontend over rtr, applying defaults for unset limits.
func New(cfg Config, rtr *router.Router) *Server {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = provider.DefaultTimeout
	}
	return &Server{cfg: cfg, rtr: rtr, slots: make(chan struct{}, cfg.MaxConcurrency)}
}

// Handler assembles the router. The OpenAI endpoints are mounted both under
// /v1 and at the root so either client convention works.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger)
	r.Use(instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	mount := func(api chi.Router) {
		api.Use(s.auth)
		api.Get("/models", s.handleModels)
		api.Post("/chat/completions", s.handleChat)
		api.Post("/embeddings", s.handleEmbeddings)
		api.Post("/audio/transcriptions", s.handleTranscriptions)
		api.Post("/audio/translations", s.handleTranscriptions)
		api.Post("/audio/speech", s.handleSpeech)
		api.Post("/images/generations", s.handleImages)
	}
	r.Route("/v1", mount)
	r.Group(mount)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chiMiddleware.GetReqID(r.Context())
		logx.Log.Debug().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		metrics.RecordRequest(r.URL.Path, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

// auth accepts the configured key either as a bearer token or as the raw
// Authorization header value.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token != s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, openai.ErrUnauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// acquireSlot blocks up to WaitTimeout for an admission slot. It reports
// whether the caller may proceed; the caller must releaseSlot on every exit
// path once admitted.
func (s *Server) acquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		metrics.RequestStart()
		return true
	default:
	}
	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		metrics.RequestStart()
		return true
	case <-timer.C:
		return false
	}
}

func (s *Server) releaseSlot() {
	<-s.slots
	metrics.RequestEnd()
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
