package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ParleSec/GraphWebhooks/internal/notifications"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// apiRateLimit is the per-client request budget for /api each minute
const apiRateLimit = 100

// Server is the HTTP front end for Graph notifications and connected clients
type Server struct {
	app     *App
	router  chi.Router
	limiter *RateLimiter
}

// NewServer creates a new server instance
func NewServer(app *App) *Server {
	s := &Server{app: app, limiter: NewRateLimiter(apiRateLimit, time.Minute)}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() {
	cfg := s.app.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery(s.app.Logger))
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.app.Logger.Named("http"), s.app.Metrics))
	r.Use(SecurityHeaders)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.app.Metrics.Handler())

	// Graph endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		notifications.NewHandlers(s.app.Dispatcher, s.app.Lifecycle, cfg.MaxBodyBytes, s.app.Logger.Named("http")).RegisterRoutes(r)
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.limiter.Limit)
		s.app.Admin.RegisterRoutes(r)
	})

	// WebSocket routes
	r.Method(http.MethodGet, "/ws/notifications", s.app.Hub)

	s.router = r
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: Version,
		Store:   s.app.Config.Store.Kind,
		Clients: s.app.Hub.ClientCount(),
	})
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
