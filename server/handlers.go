package server

import (
	"errors"
	"net/http"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/internal/jsoncodec"
	"github.com/GoCodeAlone/modhost/isolation"
	"github.com/GoCodeAlone/modhost/loader"
	"github.com/go-chi/chi/v5"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error    string `json:"error"`
	ModuleID string `json:"moduleId,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Statuses())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.registry.Status(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, id, &modhost.ModuleNotFoundError{ModuleID: id})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleView loads the module on first request and renders it through the
// module's loader. A failed load is reported as an error view; POST retry
// to try again.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		s.writeError(w, http.StatusNotFound, id, &modhost.ModuleNotFoundError{ModuleID: id})
		return
	}
	l, err := s.loaderFor(id)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, id, err)
		return
	}
	if l.State() == loader.StateIdle {
		// the outcome is carried by the view
		_ = l.Load(r.Context())
	}
	s.writeView(w, l.Render(r.Context()))
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		s.writeError(w, http.StatusNotFound, id, &modhost.ModuleNotFoundError{ModuleID: id})
		return
	}
	if _, err := s.registry.Load(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), id, err)
		return
	}
	s.handleGet(w, r)
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.Has(id) {
		s.writeError(w, http.StatusNotFound, id, &modhost.ModuleNotFoundError{ModuleID: id})
		return
	}
	if err := s.registry.Unload(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), id, err)
		return
	}
	s.handleGet(w, r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Refresh(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), id, err)
		return
	}
	s.handleGet(w, r)
}

// handleRetry reloads a module whose load failed, or clears a contained
// render failure, and returns the new view.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		s.writeError(w, http.StatusNotFound, id, &modhost.ModuleNotFoundError{ModuleID: id})
		return
	}
	l, err := s.loaderFor(id)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, id, err)
		return
	}

	switch l.State() {
	case loader.StateError, loader.StateExhausted, loader.StateIdle:
		_ = l.Reload(r.Context())
	default:
		if l.RenderFailure() == nil {
			break
		}
		if err := l.RetryRender(); err != nil {
			s.writeError(w, statusFor(err), id, err)
			return
		}
	}
	s.writeView(w, l.Render(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Summary())
}

// handleHealth answers 503 while a required module is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agg := s.registry.Health(r.Context())
	code := http.StatusOK
	if agg.Readiness == modhost.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, agg)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.registry.Diagnose()))
}

// handleEvents returns the event history, optionally filtered by the
// type and module query parameters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	eventType := modhost.EventType(r.URL.Query().Get("type"))
	moduleID := r.URL.Query().Get("module")

	events := make([]modhost.ModuleEvent, 0)
	for _, ev := range s.registry.Events().History() {
		if eventType != "" && ev.Type != eventType {
			continue
		}
		if moduleID != "" && ev.ModuleID != moduleID {
			continue
		}
		events = append(events, ev)
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeView(w http.ResponseWriter, view modhost.View) {
	status := http.StatusOK
	switch view.Kind {
	case modhost.ViewLoading:
		status = http.StatusAccepted
	case modhost.ViewError:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, view)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, id string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "module", id, "status", status, "error", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), ModuleID: id})
}

// statusFor maps runtime errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, modhost.ErrModuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, isolation.ErrRetriesExhausted),
		errors.Is(err, modhost.ErrDependentModulesExist):
		return http.StatusConflict
	case errors.Is(err, modhost.ErrModuleConstruction):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
