// Package notify fans security events out to operator channels.
//
// Delivery is fire-and-forget: events are queued on a bounded channel and
// sent by background workers with a retry, so a slow or dead channel can
// never stall a gate decision. Each channel declares the minimum
// escalation level it cares about.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cartguard/internal/idgen"
	"cartguard/internal/metrics"
)

// Event kinds.
const (
	KindDecision   = "decision"
	KindBlock      = "block"
	KindEscalation = "escalation"
)

// Event is one security notification.
type Event struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	ActorKey        string    `json:"actorKey"`
	Operation       string    `json:"operation"`
	Action          string    `json:"action"`
	Score           int       `json:"score"`
	Level           string    `json:"level"`
	TriggeredRules  []string  `json:"triggeredRules,omitempty"`
	EscalationLevel int       `json:"escalationLevel"`
	BlockID         string    `json:"blockId,omitempty"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

type registration struct {
	ch            Channel
	minEscalation int
}

// Dispatcher owns the queue and workers.
type Dispatcher struct {
	channels []registration
	queue    chan Event
	logger   *slog.Logger

	sendTimeout time.Duration
	retryDelay  time.Duration

	wg      sync.WaitGroup
	once    sync.Once
	closing chan struct{}
}

const (
	defaultQueueSize   = 256
	defaultWorkers     = 4
	defaultSendTimeout = 10 * time.Second
	defaultRetryDelay  = 2 * time.Second
)

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:       make(chan Event, defaultQueueSize),
		logger:      logger,
		sendTimeout: defaultSendTimeout,
		retryDelay:  defaultRetryDelay,
		closing:     make(chan struct{}),
	}
}

// Register adds a channel that receives events at or above minEscalation.
// Must be called before Start.
func (d *Dispatcher) Register(ch Channel, minEscalation int) {
	d.channels = append(d.channels, registration{ch: ch, minEscalation: minEscalation})
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < defaultWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop drains the queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.closing)
		close(d.queue)
	})
	d.wg.Wait()
}

// Publish enqueues an event. When the queue is full the event is dropped
// and counted; publishing never blocks the caller.
func (d *Dispatcher) Publish(e Event) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("ntf_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case <-d.closing:
		return
	default:
	}
	select {
	case d.queue <- e:
	default:
		metrics.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, event dropped",
			"kind", e.Kind, "actor", e.ActorKey)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, reg := range d.channels {
			if e.EscalationLevel < reg.minEscalation {
				continue
			}
			d.deliver(reg.ch, e)
		}
	}
}

func (d *Dispatcher) deliver(ch Channel, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	err := ch.Send(ctx, e)
	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(ch.Name(), "ok").Inc()
		return
	}

	// One retry after a short pause, then give up.
	select {
	case <-time.After(d.retryDelay):
	case <-ctx.Done():
	}
	if err = ch.Send(ctx, e); err == nil {
		metrics.NotificationsTotal.WithLabelValues(ch.Name(), "ok").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues(ch.Name(), "error").Inc()
	d.logger.Warn("notification delivery failed",
		"channel", ch.Name(), "kind", e.Kind, "actor", e.ActorKey, "error", err)
}
