package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kswifiapp/session-core/internal/auth"
	"github.com/kswifiapp/session-core/internal/catalog"
	"github.com/kswifiapp/session-core/internal/config"
	"github.com/kswifiapp/session-core/internal/events"
	"github.com/kswifiapp/session-core/internal/metrics"
	"github.com/kswifiapp/session-core/internal/model"
	"github.com/kswifiapp/session-core/internal/store"
)

type Store interface {
	StartDownload(ctx context.Context, in store.StartDownloadInput) (*model.Session, error)
	MarkTransferring(ctx context.Context, sessionID string, progress int) (*model.Session, error)
	MarkStored(ctx context.Context, sessionID string) (*model.Session, error)
	MarkFailed(ctx context.Context, sessionID, reason string) (*model.Session, error)
	Activate(ctx context.Context, ownerID, sessionID string) (*model.Session, error)
	GetSession(ctx context.Context, ownerID, sessionID string) (*model.Session, error)
	GetActiveSession(ctx context.Context, ownerID string) (*model.Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]*model.Session, error)
	ListProfiles(ctx context.Context, sessionID string) ([]*model.ConnectivityProfile, error)
	ReportUsage(ctx context.Context, ownerID string, dataUsedMB int64) (*model.Session, error)
	GetQuota(ctx context.Context, ownerID string) (*model.QuotaPeriod, error)
}

type ProfileIssuer interface {
	IssueDual(ctx context.Context, sessionID, passphrase string) ([]*model.ConnectivityProfile, error)
}

type Server struct {
	cfg       config.Config
	store     Store
	catalog   *catalog.Catalog
	issuer    ProfileIssuer
	publisher events.Publisher
}

func NewRouter(cfg config.Config, st Store, cat *catalog.Catalog, issuer ProfileIssuer, pub events.Publisher) http.Handler {
	s := &Server{cfg: cfg, store: st, catalog: cat, issuer: issuer, publisher: pub}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Get("/sessions/offers", s.handleListOffers)
			authed.Post("/sessions/download", s.handleStartDownload)
			authed.Get("/sessions", s.handleListSessions)
			authed.Get("/sessions/active", s.handleGetActiveSession)
			authed.Post("/sessions/{sessionID}/activate", s.handleActivate)
			authed.Post("/sessions/{sessionID}/profiles", s.handleIssueProfiles)
			authed.Get("/sessions/{sessionID}/profiles", s.handleListProfiles)
			authed.Post("/usage/report", s.handleReportUsage)
			authed.Get("/quota", s.handleGetQuota)
		})

		v1.With(auth.SharedKeyMiddleware(cfg.TransferSharedKey)).Group(func(agent chi.Router) {
			agent.Post("/transfer/sessions/{sessionID}/transferring", s.handleMarkTransferring)
			agent.Post("/transfer/sessions/{sessionID}/stored", s.handleMarkStored)
			agent.Post("/transfer/sessions/{sessionID}/failed", s.handleMarkFailed)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
