package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/port"
	"github.com/rl1809/digital-storefront/pkg/logger"
	"github.com/rl1809/digital-storefront/pkg/metrics"
)

var ErrDispatcherClosed = errors.New("delivery dispatcher closed")

const deliveryTimeout = 5 * time.Second

// DeliveryDispatcher hands settled orders to the messenger from a worker pool.
// A failed delivery is logged and counted; the order stays final.
type DeliveryDispatcher struct {
	messenger port.Messenger
	logs      *logger.Logger
	metrics   *metrics.CheckoutMetrics

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Order
	wg     sync.WaitGroup
}

func NewDeliveryDispatcher(messenger port.Messenger, queueSize int, logs *logger.Logger, m *metrics.CheckoutMetrics) *DeliveryDispatcher {
	if logs == nil {
		logs = logger.Nop()
	}
	return &DeliveryDispatcher{
		messenger: messenger,
		logs:      logs,
		metrics:   m,
		queue:     make(chan domain.Order, queueSize),
	}
}

func (d *DeliveryDispatcher) Start(workers int) {
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
}

// Enqueue blocks until the order is queued, ctx is done or the dispatcher closes.
func (d *DeliveryDispatcher) Enqueue(ctx context.Context, order domain.Order) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- order:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting orders and waits for queued deliveries to drain.
func (d *DeliveryDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *DeliveryDispatcher) workerLoop(id int) {
	for order := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		ctx = d.logs.WithFields(ctx, map[string]any{
			"worker":      id,
			"order_id":    order.ID,
			"customer_id": order.CustomerID,
		})

		if err := d.deliver(ctx, order); err != nil {
			d.logs.Error(ctx, "delivery failed", err)
			d.metrics.IncDelivery("failed")
		} else {
			d.logs.Info(ctx, "order delivered")
			d.metrics.IncDelivery("sent")
		}

		cancel()
	}
}

func (d *DeliveryDispatcher) deliver(ctx context.Context, order domain.Order) error {
	for _, msg := range DeliveryMessages(order) {
		if err := d.messenger.Notify(ctx, order.CustomerID, msg); err != nil {
			return err
		}
	}
	return nil
}

// DeliveryMessages renders a settled order as the outbound message sequence.
func DeliveryMessages(order domain.Order) []domain.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s paid: %s (%s)\n", order.ID, order.Total.StringFixed(2), order.Method)
	for _, line := range order.Lines {
		fmt.Fprintf(&b, "\n%s x%d\n", line.Name, line.Quantity)
		for _, p := range line.Payloads {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return []domain.Message{domain.TextMessage(strings.TrimRight(b.String(), "\n"))}
}
