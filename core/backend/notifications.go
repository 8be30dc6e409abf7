package backend

import (
	"context"
	"time"

	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/metrics"
	"github.com/relabs-tech/bookstore/core/notify"
)

// TriggerNotifications triggers processing of the order notifications by eventually calling
// ProcessNotifications(). By default, processing happens in another go-routine, but by injecting
// another TriggerNotifications function into the Builder it can also happen in its own lambda,
// triggered by a scheduled event.
func (b *Backend) TriggerNotifications() {
	b.triggerNotifications()
}

// ProcessNotifications publishes all pending order notifications
func (b *Backend) ProcessNotifications(ctx context.Context) notify.Report {
	report := b.outbox.Process(ctx)
	metrics.RecordNotifications(report.Published, report.Failed)
	return report
}

// ProcessNotificationsAsync processes the notifications every heartbeat until stop is closed. This
// retries notifications whose publishing failed and picks up those left over by a previous run.
func (b *Backend) ProcessNotificationsAsync(heartbeat time.Duration, stop <-chan struct{}) {
	logger.Default().Infof("processing notifications every %s", heartbeat)
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		b.ProcessNotifications(context.Background())
		for {
			select {
			case <-ticker.C:
				b.ProcessNotifications(context.Background())
			case <-stop:
				return
			}
		}
	}()
}
