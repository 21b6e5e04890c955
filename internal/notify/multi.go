package notify

import (
	"context"
	"errors"

	"github.com/pitabwire/approvals/model"
)

// MultiNotifier fans a notification out to every wrapped notifier. All of
// them are called even if some fail; the failures are joined.
type MultiNotifier []model.Notifier

// Notify implements model.Notifier.
func (m MultiNotifier) Notify(ctx context.Context, approverIDs []string, inst model.WorkflowInstance) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, approverIDs, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiPublisher fans an event out to every wrapped publisher.
type MultiPublisher []model.EventPublisher

// Publish implements model.EventPublisher.
func (m MultiPublisher) Publish(ctx context.Context, evt model.InstanceEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
