package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/lumencache-bridge/internal/audit"
)

// handleListAuditLogs returns audit entries, newest first.
//
// Query parameters:
//   - action: assign_address or discovery_round
//   - adapter: adapter id
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:  q.Get("action"),
		Adapter: q.Get("adapter"),
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, name+" must be an integer")
			return
		}
		*dst = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
