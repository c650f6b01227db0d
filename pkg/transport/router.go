package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/entrhq/browserd/pkg/agent"
	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/session"
)

// maxBodyBytes caps REST request bodies.
const maxBodyBytes = 1 << 20

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins are full origins accepted for CORS.
	AllowedOrigins []string

	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler

	// HTTPMetrics records every served request.
	HTTPMetrics HTTPMetrics

	Logger *zap.Logger
}

// NewRouter mounts the REST API, the socket endpoint and the health and
// metrics endpoints.
func NewRouter(svc *Service, hub *Hub, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger, opts.HTTPMetrics))
	r.Use(Recovery(logger))
	r.Use(CORS(opts.AllowedOrigins))

	h := &restHandler{svc: svc}

	r.Get("/health", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if hub != nil {
		r.Method(http.MethodGet, "/ws", hub)
	}

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Delete("/{id}", h.end)
		r.Put("/{id}/control", h.control)
		r.Post("/{id}/navigate", h.navigate)
		r.Post("/{id}/step", h.step)
		r.Get("/{id}/screenshot", h.screenshot)
		r.Post("/{id}/run", h.run)
		r.Delete("/{id}/run", h.cancel)
	})

	return r
}

type restHandler struct {
	svc *Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, browser.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrNotAllowed), errors.Is(err, browser.ErrNavigationDenied):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// health handles GET /health
func (h *restHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"platform":       runtime.GOOS,
		"activeSessions": h.svc.ActiveCount(),
		"navigatorModel": h.svc.Model(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// create handles POST /api/sessions
func (h *restHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := h.svc.Create(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ready, err := h.svc.Launch(r.Context(), sess.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ready)
}

// list handles GET /api/sessions?userId=
func (h *restHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.List(r.URL.Query().Get("userId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// get handles GET /api/sessions/{id}
func (h *restHandler) get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

type controlRequest struct {
	Action string `json:"action"`
	AsUser bool   `json:"asUser,omitempty"`
}

// control handles PUT /api/sessions/{id}/control
func (h *restHandler) control(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := h.svc.Control(chi.URLParam(r, "id"), req.Action, req.AsUser)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": state})
}

type navigateRequest struct {
	URL string `json:"url"`
}

// navigate handles POST /api/sessions/{id}/navigate
func (h *restHandler) navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	step, err := h.svc.Navigate(r.Context(), chi.URLParam(r, "id"), req.URL)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "step": step})
}

type stepRequest struct {
	Action string `json:"action"`
	Script string `json:"script,omitempty"`
}

// step handles POST /api/sessions/{id}/step
func (h *restHandler) step(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	step, err := h.svc.ExecuteStep(r.Context(), chi.URLParam(r, "id"), req.Action, req.Script)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"step": step})
}

// screenshot handles GET /api/sessions/{id}/screenshot
func (h *restHandler) screenshot(w http.ResponseWriter, r *http.Request) {
	shot, err := h.svc.Screenshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"screenshot": shot})
}

// run handles POST /api/sessions/{id}/run
func (h *restHandler) run(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StartRun(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

// cancel handles DELETE /api/sessions/{id}/run
func (h *restHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Get(id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": h.svc.CancelRun(id)})
}

// end handles DELETE /api/sessions/{id}
func (h *restHandler) end(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.End(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
