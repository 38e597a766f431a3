package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
)

// AdapterSummary is the list view of an adapter.
type AdapterSummary struct {
	ID        string                   `json:"id"`
	Title     string                   `json:"title,omitempty"`
	Health    lumencache.HealthMessage `json:"health"`
	Devices   int                      `json:"devices"`
	Discovery string                   `json:"discovery"`
}

// AdapterDetail adds the module inventory.
type AdapterDetail struct {
	AdapterSummary
	Modules []lumencache.Device `json:"modules"`
}

// DiscoveryStatus is the discovery view of an adapter.
type DiscoveryStatus struct {
	State      string                      `json:"state"`
	LastReport *lumencache.DiscoveryReport `json:"last_report,omitempty"`
}

func (s *Server) summarise(a Adapter) AdapterSummary {
	sum := AdapterSummary{
		ID:        a.ID,
		Title:     a.Title,
		Health:    a.Bridge.Health(),
		Devices:   len(a.Bridge.Devices()),
		Discovery: lumencache.DiscoveryIdle.String(),
	}
	if a.Discovery != nil {
		sum.Discovery = a.Discovery.State().String()
	}
	return sum
}

// lookupAdapter resolves {id} or writes a 404.
func (s *Server) lookupAdapter(w http.ResponseWriter, r *http.Request) (Adapter, bool) {
	id := chi.URLParam(r, "id")
	a, ok := s.adapters[id]
	if !ok {
		writeNotFound(w, "adapter not found")
	}
	return a, ok
}

func (s *Server) handleListAdapters(w http.ResponseWriter, _ *http.Request) {
	out := make([]AdapterSummary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.summarise(s.adapters[id]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"adapters": out,
		"count":    len(out),
	})
}

func (s *Server) handleGetAdapter(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAdapter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, AdapterDetail{
		AdapterSummary: s.summarise(a),
		Modules:        a.Bridge.Devices(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAdapter(w, r)
	if !ok {
		return
	}
	devices := a.Bridge.Devices()
	if devices == nil {
		devices = []lumencache.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleGetDiscovery(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAdapter(w, r)
	if !ok {
		return
	}
	if a.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery not configured")
		return
	}

	status := DiscoveryStatus{State: a.Discovery.State().String()}
	if report, ok := a.Discovery.LastReport(); ok {
		status.LastReport = &report
	}
	writeJSON(w, http.StatusOK, status)
}

// handleStartDiscovery launches a discovery round in the background.
// The round outlives the request; poll GET .../discovery for the outcome.
func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookupAdapter(w, r)
	if !ok {
		return
	}
	if a.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery not configured")
		return
	}

	err := a.Discovery.Start(s.baseCtx)
	switch {
	case errors.Is(err, lumencache.ErrDiscoveryRunning):
		writeError(w, http.StatusConflict, ErrCodeConflict, "discovery already running")
		return
	case err != nil:
		s.logger.Error("failed to start discovery", "adapter", a.ID, "error", err)
		writeInternalError(w, "failed to start discovery")
		return
	}

	s.logger.Info("discovery started via API",
		"adapter", a.ID,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"adapter":    a.ID,
		"state":      a.Discovery.State().String(),
		"started_at": time.Now().UTC(),
	})
}
