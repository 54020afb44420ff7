// internal/service/notification/dispatcher.go
package notification

import (
	"context"
	"strings"
	"sync"

	"billing-service/internal/metrics"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Dispatcher makes a Sink fire-and-forget: Send returns at once and delivery
// runs on a bounded goroutine pool, detached from the caller's cancellation.
type Dispatcher struct {
	sink   Sink
	logger *zap.Logger

	mu     sync.RWMutex
	pool   *pool.Pool
	closed bool
}

var _ Sink = (*Dispatcher)(nil)

func NewDispatcher(sink Sink, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		sink:   sink,
		logger: logger,
		pool:   pool.New().WithMaxGoroutines(workers),
	}
}

func (d *Dispatcher) Send(ctx context.Context, establishmentID *string, phone, body string) error {
	if strings.TrimSpace(phone) == "" {
		metrics.NotificationsSent.WithLabelValues("skipped").Inc()
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification dropped, dispatcher closed")
		metrics.NotificationsSent.WithLabelValues("dropped").Inc()
		return nil
	}

	detached := context.WithoutCancel(ctx)
	d.pool.Go(func() {
		if err := d.sink.Send(detached, establishmentID, phone, body); err != nil {
			d.logger.Warn("notification delivery failed", zap.Error(err))
			metrics.NotificationsSent.WithLabelValues("failed").Inc()
			return
		}
		metrics.NotificationsSent.WithLabelValues("sent").Inc()
	})
	return nil
}

// Close stops accepting messages and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.pool.Wait()
}
