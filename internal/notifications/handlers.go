package notifications

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes caps the size of a notification batch
const DefaultMaxBodyBytes = 4 << 20

// Handlers exposes the Graph-facing notification endpoints
type Handlers struct {
	dispatcher   *Dispatcher
	lifecycle    *LifecycleHandler
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewHandlers creates the notification endpoints
func NewHandlers(d *Dispatcher, l *LifecycleHandler, maxBodyBytes int64, logger *zap.Logger) *Handlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		dispatcher:   d,
		lifecycle:    l,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// RegisterRoutes mounts POST /listen and POST /lifecycle
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/listen", h.serve(h.dispatcher.Handle))
	r.Post("/lifecycle", h.serve(h.lifecycle.Handle))
}

type handleFunc func(ctx context.Context, validationToken string, body []byte) Result

func (h *Handlers) serve(handle handleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("validationToken")

		var body []byte
		if token == "" {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
			if err != nil {
				h.logger.Warn("failed to read notification body", zap.String("path", r.URL.Path), zap.Error(err))
				w.WriteHeader(http.StatusAccepted)
				return
			}
		}

		writeResult(w, handle(r.Context(), token, body))
	}
}

func writeResult(w http.ResponseWriter, res Result) {
	if res.Status == http.StatusOK && res.Echo != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, res.Echo)
		return
	}
	w.WriteHeader(res.Status)
}
