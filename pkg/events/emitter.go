package events

import (
	"context"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/observability"
)

// Emitter publishes the events of one run. Publish failures are logged and
// never stop the run; the topic sequence is assigned by the publisher.
type Emitter struct {
	publisher domain.EventPublisher
	metrics   *observability.Metrics
	logger    *observability.StructuredLogger
	now       func() time.Time
}

// NewEmitter wraps a publisher. metrics may be nil.
func NewEmitter(publisher domain.EventPublisher, metrics *observability.Metrics) *Emitter {
	return &Emitter{
		publisher: publisher,
		metrics:   metrics,
		logger:    observability.NewStructuredLogger("events"),
		now:       time.Now,
	}
}

// Emit publishes an event, stamping its timestamp
func (e *Emitter) Emit(ctx context.Context, event domain.Event) {
	if e == nil || e.publisher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	// a cancelled run still publishes its terminal event
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn(ctx, "Failed to publish event", map[string]interface{}{
			"request_id": event.RequestID,
			"kind":       string(event.Kind),
			"node":       event.Node,
			"error":      err.Error(),
		})
		return
	}
	if e.metrics != nil {
		e.metrics.RecordEventPublished(ctx, string(event.Kind))
	}
}
