package audit

import (
	"context"
	"time"

	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
)

// Logger is the subset of *slog.Logger the sink needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Sink records one adapter's discovery events into a Repository.
type Sink struct {
	repo    Repository
	adapter string
	logger  Logger
}

var _ lumencache.AuditSink = (*Sink)(nil)

// NewSink creates a sink tagging entries with adapterID.
func NewSink(repo Repository, adapterID string, logger Logger) *Sink {
	return &Sink{repo: repo, adapter: adapterID, logger: logger}
}

// RecordAssignment stores an address assignment.
func (s *Sink) RecordAssignment(ctx context.Context, a lumencache.Assignment) {
	addr := a.Address
	s.create(ctx, &Entry{
		Action:       ActionAssignAddress,
		Adapter:      s.adapter,
		Address:      &addr,
		SerialNumber: a.SerialNumber,
		Source:       SourceDiscovery,
		Details:      map[string]any{"confirmed": a.Confirmed},
		CreatedAt:    a.At,
	})
}

// RecordRound stores a discovery round summary.
func (s *Sink) RecordRound(ctx context.Context, r lumencache.DiscoveryReport) {
	known := make([]int, len(r.Known))
	for i, k := range r.Known {
		known[i] = int(k)
	}

	details := map[string]any{
		"known":       known,
		"assigned":    len(r.Assigned),
		"exhausted":   r.Exhausted,
		"duration_ms": r.Finished.Sub(r.Started).Milliseconds(),
	}
	if len(r.Rejected) > 0 {
		details["rejected"] = r.Rejected
	}
	if r.Error != "" {
		details["error"] = r.Error
	}

	s.create(ctx, &Entry{
		Action:    ActionDiscoveryRound,
		Adapter:   s.adapter,
		Source:    SourceDiscovery,
		Details:   details,
		CreatedAt: r.Finished,
	})
}

func (s *Sink) create(ctx context.Context, e *Entry) {
	// Discovery may be stopping; the write should still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.repo.Create(ctx, e); err != nil && s.logger != nil {
		s.logger.Warn("audit write failed",
			"adapter", s.adapter,
			"action", e.Action,
			"error", err,
		)
	}
}
