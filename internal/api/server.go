// Package api exposes the ingestion pipeline, capsule curation, grounded
// chat, the job event stream and observability reports over HTTP. All
// routes are stdlib ServeMux patterns; health probes bypass the middleware
// stack.
package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/n1hub/deepmine/internal/config"
	"github.com/n1hub/deepmine/internal/events"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/pipeline"
	"github.com/n1hub/deepmine/internal/rag"
	"github.com/n1hub/deepmine/internal/report"
	"github.com/n1hub/deepmine/internal/store"
)

// ServerConfig wires the server's dependencies.
type ServerConfig struct {
	Logger   log.Logger
	Config   *config.Config
	Store    store.Store
	Runner   *pipeline.Runner
	Engine   *rag.Engine
	Reporter *report.Reporter
	Bus      *events.Bus
	Pool     *pgxpool.Pool // optional, nil skips the pool ping in /ready
	Redis    *redis.Client // optional, nil means in-memory rate limiting
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger

	jh := &jobHandler{runner: cfg.Runner, store: cfg.Store, cfg: cfg.Config, logger: logger}
	ch := &capsuleHandler{store: cfg.Store, logger: logger}
	ah := &chatHandler{engine: cfg.Engine, logger: logger}
	sh := &streamHandler{bus: cfg.Bus, logger: logger}
	rh := &reportHandler{reporter: cfg.Reporter, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/ingest", jh.ingest)
	mux.HandleFunc("GET /api/v1/jobs", jh.list)
	mux.HandleFunc("GET /api/v1/jobs/{id}", jh.get)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", jh.cancel)

	mux.HandleFunc("GET /api/v1/capsules", ch.list)
	mux.HandleFunc("GET /api/v1/capsules/{id}", ch.get)
	mux.HandleFunc("PATCH /api/v1/capsules/{id}", ch.patch)

	mux.HandleFunc("POST /api/v1/chat", ah.chat)
	mux.HandleFunc("GET /api/v1/events/stream", sh.stream)

	mux.HandleFunc("GET /api/v1/reports/retrieval", rh.retrieval)
	mux.HandleFunc("GET /api/v1/reports/router", rh.router)
	mux.HandleFunc("GET /api/v1/reports/semantic-hash", rh.semanticHash)
	mux.HandleFunc("GET /api/v1/reports/pii", rh.pii)

	limits := map[string]int{
		classUpload: cfg.Config.RateLimitUpload,
		classChat:   cfg.Config.RateLimitChat,
		classPublic: cfg.Config.RateLimitPublic,
	}
	rl := newRateLimiter(cfg.Redis, logger)

	// Middleware stack, outermost first:
	//   Recovery -> RequestID -> Logging -> CORS -> RateLimit -> Routes
	// RequestID precedes Logging so request_id lands in log attributes;
	// CORS precedes RateLimit so preflight OPTIONS gets its headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, limits, cfg.Config.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.Config.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", final)

	return &Server{mux: topMux}
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// actorFrom returns the acting user from the X-Actor header. Identity is
// header-trust only; there is no authentication layer.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "anonymous"
}
