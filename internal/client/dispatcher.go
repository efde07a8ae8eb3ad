package client

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/internal/metrics"
)

// ErrDispatcherStopped is returned by Notify after Close.
var ErrDispatcherStopped = stderrors.New("notification dispatcher stopped")

// deliveryTimeout bounds one notification's store and publish round trip.
const deliveryTimeout = 10 * time.Second

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	Create(ctx context.Context, n domain.Notification) (string, error)
}

// Dispatcher delivers notifications on a worker pool so workflow operations
// never wait on, or fail because of, notification delivery. Each notification
// is stored in-app first and then published to NATS.
type Dispatcher struct {
	pool      pond.Pool
	store     NotificationStore
	publisher *NotificationPublisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher with the given number of workers.
// publisher may be nil when NATS is disabled.
func NewDispatcher(workers int, store NotificationStore, publisher *NotificationPublisher, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		pool:      pond.NewPool(workers, pond.WithQueueSize(workers*64)),
		store:     store,
		publisher: publisher,
		metrics:   m,
		log:       log,
	}
}

// Notify queues n for delivery. It only fails when the dispatcher is stopped.
func (d *Dispatcher) Notify(ctx context.Context, n domain.Notification) error {
	if d.pool.Stopped() {
		return ErrDispatcherStopped
	}
	base := context.WithoutCancel(ctx)
	d.pool.Submit(func() {
		d.deliver(base, n)
	})
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	id, err := d.store.Create(ctx, n)
	if err != nil {
		d.metrics.Notification(string(n.Type), false)
		d.log.Warn().Err(err).
			Str("user_id", n.UserID).
			Str("notification_type", string(n.Type)).
			Msg("Failed to store notification")
		return
	}

	ok := d.publisher.PublishNotification(ctx, id, n) == nil
	d.metrics.Notification(string(n.Type), ok)
}

// Close stops accepting notifications and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
}
