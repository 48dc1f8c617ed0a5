// Package admin exposes the operator API: the subscription registry, the
// delegated token cache and the public encryption certificate.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ParleSec/GraphWebhooks/internal/crypto"
	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/internal/subscriptions"
	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

const maxRequestBytes = 64 << 10

// Unsubscriber deletes a subscription at Graph
type Unsubscriber interface {
	Delete(ctx context.Context, subscriptionID string, id graph.Identity) error
}

// TokenStore accepts delegated tokens
type TokenStore interface {
	Put(tok models.DelegatedToken) error
}

// Config wires the admin API
type Config struct {
	Registry     subscriptions.Registry
	Graph        Unsubscriber
	Tokens       TokenStore
	Certificates crypto.CertificateProvider
	AdminToken   string
	Logger       *zap.Logger
}

// API serves /api
type API struct {
	registry subscriptions.Registry
	graph    Unsubscriber
	tokens   TokenStore
	certs    crypto.CertificateProvider
	token    string
	logger   *zap.Logger
}

// New creates the admin API
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		registry: cfg.Registry,
		graph:    cfg.Graph,
		tokens:   cfg.Tokens,
		certs:    cfg.Certificates,
		token:    cfg.AdminToken,
		logger:   logger,
	}
}

// CertificateResponse describes the certificate Graph encrypts resource data with
type CertificateResponse struct {
	ID          string    `json:"id"`
	Thumbprint  string    `json:"thumbprint"`
	Certificate string    `json:"certificate"`
	NotAfter    time.Time `json:"notAfter"`
}

// RegisterRoutes mounts the API on r. The certificate is public; everything
// else needs the admin token.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/certificate", a.handleCertificate)

	r.Group(func(r chi.Router) {
		r.Use(RequireBearer(a.token))

		r.Get("/subscriptions", a.handleList)
		r.Get("/subscriptions/{id}", a.handleGet)
		r.Put("/subscriptions/{id}", a.handlePut)
		r.Delete("/subscriptions/{id}", a.handleDelete)
		r.Post("/tokens", a.handlePutToken)
	})
}

func (a *API) handleCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.certs.EncryptionCertificate(r.Context())
	if err != nil {
		a.logger.Error("failed to load encryption certificate", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "certificate unavailable")
		return
	}
	writeJSON(w, http.StatusOK, CertificateResponse{
		ID:          cert.ID,
		Thumbprint:  cert.Thumbprint,
		Certificate: cert.EncodedPublic(),
		NotAfter:    cert.Leaf.NotAfter,
	})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := a.registry.List(r.Context())
	if err != nil {
		a.logger.Error("failed to list subscriptions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if recs == nil {
		recs = []*models.SubscriptionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": recs,
		"count":         len(recs),
	})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handlePut(w http.ResponseWriter, r *http.Request) {
	var rec models.SubscriptionRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	rec.ID = chi.URLParam(r, "id")
	if rec.ClientState == "" {
		rec.ClientState = uuid.NewString()
	}
	if _, err := graph.IdentityFor(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "userId and tenantId are required unless userId is APP-ONLY")
		return
	}

	if err := a.registry.Save(r.Context(), &rec); err != nil {
		if errors.Is(err, subscriptions.ErrInvalidRecord) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("failed to save subscription", zap.String("subscription_id", rec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	a.logger.Info("subscription registered",
		zap.String("subscription_id", rec.ID),
		zap.Bool("app_only", rec.IsAppOnly()),
	)
	writeJSON(w, http.StatusOK, rec)
}

// handleDelete removes the subscription at Graph first and then forgets it
func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.lookup(w, r)
	if !ok {
		return
	}

	id, err := graph.IdentityFor(rec)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if err := a.graph.Delete(r.Context(), rec.ID, id); err != nil {
		a.logger.Error("failed to delete subscription at Graph",
			zap.String("subscription_id", rec.ID),
			zap.Stringer("identity", id),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "failed to delete subscription at Graph")
		return
	}

	if err := a.registry.Delete(r.Context(), rec.ID); err != nil && !errors.Is(err, subscriptions.ErrNotFound) {
		a.logger.Error("failed to delete subscription record", zap.String("subscription_id", rec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete subscription record")
		return
	}

	a.logger.Info("subscription deleted", zap.String("subscription_id", rec.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePutToken(w http.ResponseWriter, r *http.Request) {
	var tok models.DelegatedToken
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&tok); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := a.tokens.Put(tok); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.logger.Info("delegated token stored",
		zap.String("tenant_id", tok.TenantID),
		zap.String("user_id", tok.UserID),
		zap.Time("expires_on", tok.ExpiresOn),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*models.SubscriptionRecord, bool) {
	id := chi.URLParam(r, "id")
	rec, err := a.registry.Get(r.Context(), id)
	if errors.Is(err, subscriptions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return nil, false
	}
	if err != nil {
		a.logger.Error("failed to load subscription", zap.String("subscription_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
