// Package notify fans domain events out to operators: structured log alerts
// and outbound webhooks.
package notify

import (
	"context"

	"go.uber.org/zap"

	"pilotgate/internal/events"
)

// Alerts logs the events an operator should see without querying the audit log.
type Alerts struct {
	Logger *zap.Logger
}

// Handler returns a wildcard bus handler.
func (a Alerts) Handler() events.Handler {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, e events.Event) error {
		fields := []zap.Field{
			zap.String("event_id", e.ID),
			zap.String("org_id", e.OrganizationID),
			zap.String("project_id", e.ProjectID),
			zap.String("actor", e.Actor),
			zap.String("trace_id", e.TraceID),
		}
		switch p := e.Payload.(type) {
		case events.PermissionDeniedPayload:
			logger.Warn("permission denied", append(fields,
				zap.String("role", p.Role),
				zap.String("permission", p.Permission),
				zap.String("reason", p.Reason))...)
		case events.SLABreachedPayload:
			logger.Warn("sla breached", append(fields,
				zap.String("record_id", p.RecordID),
				zap.String("resource", p.ResourceType+"/"+p.ResourceID),
				zap.String("level", p.Level),
				zap.Time("due_at", p.DueAt))...)
		case events.SLAEscalatedPayload:
			logger.Info("sla escalated", append(fields,
				zap.String("record_id", p.RecordID),
				zap.String("from", p.FromLevel),
				zap.String("to", p.ToLevel))...)
		case events.TransitionedPayload:
			logger.Info("lifecycle transitioned", append(fields,
				zap.String("from", p.From),
				zap.String("to", p.To))...)
		}
		return nil
	}
}
