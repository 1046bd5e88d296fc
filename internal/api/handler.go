package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/auth"
	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/ignition"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/pack"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	installs *install.Service
	packs    *pack.Service
	market   *catalog.Service
	engine   *ignition.Engine
	rollback *ignition.Rollback
	logs     ignition.LogStore
	sessions auth.SessionStore
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	installs *install.Service,
	packs *pack.Service,
	market *catalog.Service,
	engine *ignition.Engine,
	rollback *ignition.Rollback,
	logs ignition.LogStore,
	sessions auth.SessionStore,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		installs: installs,
		packs:    packs,
		market:   market,
		engine:   engine,
		rollback: rollback,
		logs:     logs,
		sessions: sessions,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/api/health", h.healthCheck)

	r.Route("/api/skills", func(r chi.Router) {
		r.Use(auth.Middleware(h.sessions, h.logger))

		r.Post("/install", h.installSkill)
		r.Get("/installed", h.listInstalled)
		r.Get("/marketplace", h.browseMarketplace)
		r.Get("/create", h.listTemplates)
		r.Post("/create", h.createFromTemplate)
		r.Get("/import", h.previewImport)
		r.Post("/import", h.importSkill)
		r.Get("/export/{id}", h.exportSkill)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getInstallation)
			r.Put("/", h.updateConfig)
			r.Delete("/", h.uninstallSkill)
			r.Post("/execute", h.executeSkill)
			r.Get("/execute/stream", h.streamExecute)
			r.Get("/onboarding", h.getOnboarding)
			r.Post("/onboarding", h.saveOnboarding)
			r.Get("/logs", h.listLogs)
			r.Get("/rollback/{logID}", h.checkRevert)
			r.Post("/rollback/{logID}", h.revertLog)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "ok"})
}

// session returns the authenticated session; the auth middleware guarantees
// it is present on every /api/skills route.
func session(r *http.Request) *auth.Session {
	s, _ := auth.FromContext(r.Context())
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOK wraps a payload in the success envelope.
func writeOK(w http.ResponseWriter, status int, payload map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// writeErr maps service errors onto the HTTP status taxonomy.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var stateErr *install.StateError
	var importErr *pack.ImportError
	switch {
	case errors.Is(err, install.ErrNotFound),
		errors.Is(err, install.ErrSkillNotFound),
		errors.Is(err, ignition.ErrLogNotFound):
		writeFail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, install.ErrNotOwner):
		writeFail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ignition.ErrNotActive),
		errors.Is(err, install.ErrVersionConflict):
		writeFail(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   stateErr.Reason,
			"reason":  stateErr.Reason,
		})
	case errors.As(err, &importErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success":  false,
			"errors":   importErr.Errors,
			"warnings": importErr.Warnings,
		})
	default:
		h.logger.Error("unexpected error", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}
