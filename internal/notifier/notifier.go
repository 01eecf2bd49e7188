// Package notifier delivers docking-request notifications to people.
package notifier

import (
	"context"

	"go.uber.org/multierr"

	"gitlab.com/phytodb/services/backend/internal/models"
)

// Notifier sends one notification for a docking request.
type Notifier interface {
	Notify(ctx context.Context, payload models.NotificationPayload) error
}

// Multi fans a notification out to every channel and fails if any of them
// failed. Channels that succeeded are not rolled back.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, payload models.NotificationPayload) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Notify(ctx, payload))
	}
	return err
}

// Build combines the configured channels. It returns nil when none is set.
func Build(channels ...Notifier) Notifier {
	var out Multi
	for _, n := range channels {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
