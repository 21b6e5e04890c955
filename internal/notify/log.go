package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Log writes notifications and events to a zap logger. It is the default
// when no webhook or Redis channel is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify implements model.Notifier.
func (l *Log) Notify(_ context.Context, approverIDs []string, inst model.WorkflowInstance) error {
	fields := append(observability.InstanceFields(inst), zap.Strings("approver_ids", approverIDs))
	l.logger.Info("approval requested", fields...)
	return nil
}

// Publish implements model.EventPublisher.
func (l *Log) Publish(_ context.Context, evt model.InstanceEvent) error {
	l.logger.Info("instance event",
		zap.String("event", string(evt.Type)),
		zap.String("instance_id", evt.InstanceID),
		zap.String("module", string(evt.Module)),
		zap.String("status", string(evt.Status)),
		zap.Int("step", evt.Step),
		zap.String("reason", evt.Reason),
	)
	return nil
}
