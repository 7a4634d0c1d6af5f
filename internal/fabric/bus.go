// Package fabric is the in-process notification bus between the escalation
// engine and the agent/supervisor stream endpoints. Delivery is at least
// once: agent-targeted events that cannot reach a live subscriber are held
// per customer context and replayed when one attaches.
package fabric

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Audience partitions subscriptions.
type Audience string

const (
	// AudienceAgent subscriptions are keyed by customer context; each agent
	// stream sees only events for its own context.
	AudienceAgent Audience = "agent"
	// AudienceSupervisor subscriptions are broadcast; every supervisor
	// stream sees every supervisor-targeted event.
	AudienceSupervisor Audience = "supervisor"
)

// Event is one notification. Seq is assigned by the bus and is monotonic
// across all publishes, so per-context causal order is observable.
type Event struct {
	Seq             uint64   `json:"seq"`
	Type            string   `json:"type"`
	RequestID       string   `json:"request_id"`
	Question        string   `json:"question,omitempty"`
	Answer          string   `json:"answer,omitempty"`
	CustomerContext string   `json:"customer_context,omitempty"`
	SupervisorID    string   `json:"supervisor_id,omitempty"`
	Audience        Audience `json:"audience"`
	TS              string   `json:"ts" format:"date-time"`
}

// Config tunes buffering. Zero values take defaults.
type Config struct {
	// SubscriberQueue is the per-subscription channel capacity.
	SubscriberQueue int
	// HoldBuffer caps held events per customer context.
	HoldBuffer int
	// Retention bounds how long a held event waits for a subscriber.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 128
	}
	if c.HoldBuffer <= 0 {
		c.HoldBuffer = 100
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Subscription is one attached consumer. Events arrive on C until
// Unsubscribe closes it; a subscriber that falls SubscriberQueue events
// behind is evicted and must re-subscribe.
type Subscription struct {
	C        <-chan Event
	ch       chan Event
	id       int64
	audience Audience
	// key is the customer context for agent subscriptions, empty otherwise.
	key string
}

func (s *Subscription) Audience() Audience { return s.audience }
func (s *Subscription) Key() string        { return s.key }

type heldEvent struct {
	evt    Event
	heldAt time.Time
}

// Bus is safe for concurrent use. A single mutex orders all publishes,
// which is what preserves causal order per customer context.
type Bus struct {
	mu      sync.Mutex
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	nextSub int64
	seq     uint64
	subs    map[int64]*Subscription
	// held buffers agent events by customer context until a subscriber
	// attaches or retention lapses.
	held map[string][]heldEvent
}

func NewBus(cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		subs:   make(map[int64]*Subscription),
		held:   make(map[string][]heldEvent),
	}
}

// Subscribe attaches a consumer. Agent subscriptions replay any held events
// for their context, in order, before new publishes are observed.
func (b *Bus) Subscribe(audience Audience, filterKey string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	ch := make(chan Event, b.cfg.SubscriberQueue)
	sub := &Subscription{C: ch, ch: ch, id: b.nextSub, audience: audience}
	if audience == AudienceAgent {
		sub.key = filterKey
	}
	b.subs[sub.id] = sub
	if audience == AudienceAgent {
		b.replayHeldLocked(sub)
	}
	return sub
}

func (b *Bus) replayHeldLocked(sub *Subscription) {
	buf := b.held[sub.key]
	if len(buf) == 0 {
		return
	}
	delivered := 0
	for _, h := range buf {
		select {
		case sub.ch <- h.evt:
			delivered++
		default:
			// Replay overflow: keep the rest held for the next attach.
			b.held[sub.key] = buf[delivered:]
			b.logger.Warn("held replay truncated by full subscriber queue",
				zap.String("customer_context", sub.key),
				zap.Int("delivered", delivered),
				zap.Int("remaining", len(buf)-delivered))
			return
		}
	}
	delete(b.held, sub.key)
	b.logger.Debug("replayed held events",
		zap.String("customer_context", sub.key),
		zap.Int("count", delivered))
}

// Unsubscribe detaches and closes the subscription channel. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(sub)
}

func (b *Bus) dropLocked(sub *Subscription) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish fans the event out to matching live subscribers. It never blocks
// and never fails: a full subscriber is evicted, and agent events that
// reach no one are held for later replay.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	evt.Seq = b.seq
	if evt.TS == "" {
		evt.TS = b.now().UTC().Format(time.RFC3339)
	}

	delivered := 0
	for _, sub := range b.subs {
		if sub.audience != evt.Audience {
			continue
		}
		if sub.audience == AudienceAgent && sub.key != evt.CustomerContext {
			continue
		}
		select {
		case sub.ch <- evt:
			delivered++
		default:
			// Slow consumer: cut it loose rather than stall the bus.
			b.dropLocked(sub)
			b.logger.Warn("evicted slow subscriber",
				zap.String("audience", string(sub.audience)),
				zap.String("key", sub.key),
				zap.Uint64("seq", evt.Seq))
		}
	}

	if evt.Audience == AudienceAgent && delivered == 0 {
		b.holdLocked(evt)
	}
}

func (b *Bus) holdLocked(evt Event) {
	buf := b.held[evt.CustomerContext]
	if len(buf) >= b.cfg.HoldBuffer {
		dropped := buf[0]
		buf = buf[1:]
		b.logger.Warn("held buffer full, dropping oldest event",
			zap.String("customer_context", evt.CustomerContext),
			zap.Uint64("dropped_seq", dropped.evt.Seq),
			zap.String("dropped_type", dropped.evt.Type))
	}
	b.held[evt.CustomerContext] = append(buf, heldEvent{evt: evt, heldAt: b.now()})
}

// Held reports how many events are buffered for a customer context.
func (b *Bus) Held(customerContext string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held[customerContext])
}

// Run sweeps held buffers until ctx is done, dropping events older than the
// retention window. Drops are delivery failures: logged, never surfaced.
func (b *Bus) Run(ctx context.Context) {
	interval := b.cfg.Retention / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Bus) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.cfg.Retention)
	for key, buf := range b.held {
		kept := buf[:0]
		expired := 0
		for _, h := range buf {
			if h.heldAt.Before(cutoff) {
				expired++
				continue
			}
			kept = append(kept, h)
		}
		if expired > 0 {
			b.logger.Warn("held events expired undelivered",
				zap.String("customer_context", key),
				zap.Int("count", expired))
		}
		if len(kept) == 0 {
			delete(b.held, key)
		} else {
			b.held[key] = kept
		}
	}
}
