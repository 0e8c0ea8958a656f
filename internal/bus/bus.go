// Package bus implements the real-time fan-out plane pushing grid state to
// dashboard subscribers. Each subscriber owns a bounded outbound queue;
// publishing never blocks a producer. A subscriber that falls behind is
// marked SlowConsumer, its queue is drained in favour of a single Resync
// sentinel, and it must re-request a snapshot to resume the delta stream.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/scada/internal/core"
	"github.com/gridworks/scada/internal/metrics"
)

// MessageType tags a fan-out frame. Every frame serialises to a JSON object
// with a "type" field.
type MessageType string

const (
	TypeFullStateSnapshot  MessageType = "FullStateSnapshot"
	TypeGridOverviewUpdate MessageType = "GridOverviewUpdate"
	TypeTelemetryUpdate    MessageType = "TelemetryUpdate"
	TypeAlarmRaised        MessageType = "AlarmRaised"
	TypeAlarmCleared       MessageType = "AlarmCleared"
	TypeAlarmAcknowledged  MessageType = "AlarmAcknowledged"
	TypeUnknownConnection  MessageType = "UnknownConnection"
	TypeSecurityEvent      MessageType = "SecurityEvent"
	TypeNodeStateChanged   MessageType = "NodeStateChanged"
	TypeHeartbeat          MessageType = "Heartbeat"
	TypeResync             MessageType = "Resync"
)

// Message is one fan-out frame.
type Message struct {
	Type       MessageType            `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	NodeID     string                 `json:"node_id,omitempty"`
	Connection *core.ConnectionRecord `json:"connection,omitempty"`
	Data       interface{}            `json:"data,omitempty"`
}

// NewMessage builds a frame stamped now.
func NewMessage(t MessageType, nodeID string, data interface{}) Message {
	return Message{Type: t, Timestamp: time.Now().UTC(), NodeID: nodeID, Data: data}
}

const defaultQueueSize = 256

// Subscriber is one dashboard client's view of the bus.
type Subscriber struct {
	ID string

	mu     sync.Mutex
	queue  chan Message
	slow   bool
	closed bool
	hwm    int
}

// close marks the subscriber dead and closes its queue. Senders hold
// sub.mu too, so no send can race the close.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// C returns the receive side of the subscriber's queue. The channel is
// closed on Unsubscribe.
func (s *Subscriber) C() <-chan Message { return s.queue }

// Slow reports whether the subscriber is currently marked SlowConsumer.
func (s *Subscriber) Slow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slow
}

// SnapshotFunc produces the FullStateSnapshot payload delivered on
// subscribe and on resync.
type SnapshotFunc func() Message

// Bus is the subscription manager.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	snapshotFn  SnapshotFunc
	queueSize   int
	metrics     *metrics.Metrics
	logger      *log.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// New creates a fan-out bus. The snapshot function may be set later, before
// the first Subscribe.
func New(m *metrics.Metrics) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		queueSize:   defaultQueueSize,
		metrics:     m,
		logger:      log.New(log.Writer(), "[BUS] ", log.LstdFlags),
		stop:        make(chan struct{}),
	}
}

// SetSnapshotFunc installs the provider of FullStateSnapshot frames.
func (b *Bus) SetSnapshotFunc(fn SnapshotFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshotFn = fn
}

// Start launches the 5 s liveness heartbeat.
func (b *Bus) Start() {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Publish(NewMessage(TypeHeartbeat, "", nil))
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop halts the heartbeat and disconnects all subscribers.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		sub.close()
		delete(b.subscribers, id)
	}
	if b.metrics != nil {
		b.metrics.Subscribers.Set(0)
	}
}

// Subscribe registers a new dashboard client. The first queued frame is a
// FullStateSnapshot; deltas follow in publish order.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		queue: make(chan Message, b.queueSize),
	}

	b.mu.Lock()
	if b.snapshotFn != nil {
		sub.queue <- b.snapshotFn()
	}
	b.subscribers[sub.ID] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Subscribers.Set(float64(count))
	}
	b.logger.Printf("Subscriber %s connected (%d total)", sub.ID, count)
	return sub
}

// Unsubscribe removes a subscriber and closes its queue.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		sub.close()
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return
	}
	if b.metrics != nil {
		b.metrics.Subscribers.Set(float64(count))
	}
	b.logger.Printf("Subscriber %s disconnected (%d total)", id, count)
}

// Publish delivers a frame to every subscriber without blocking. Per
// subscriber delivery is FIFO; there is no cross-subscriber ordering.
func (b *Bus) Publish(msg Message) {
	if b.metrics != nil {
		b.metrics.MessagesPublished.WithLabelValues(string(msg.Type)).Inc()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub *Subscriber, msg Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}
	if sub.slow {
		// Deltas are suppressed until the client re-requests a snapshot.
		if b.metrics != nil {
			b.metrics.MessagesDropped.WithLabelValues(sub.ID).Inc()
		}
		return
	}

	select {
	case sub.queue <- msg:
		if depth := len(sub.queue); depth > sub.hwm {
			sub.hwm = depth
			if b.metrics != nil {
				b.metrics.SubscriberQueueHWM.WithLabelValues(sub.ID).Set(float64(depth))
			}
		}
	default:
		// Queue full: drop everything queued in favour of one Resync.
		dropped := 0
		for {
			select {
			case <-sub.queue:
				dropped++
			default:
				sub.queue <- NewMessage(TypeResync, "", nil)
				sub.slow = true
				if b.metrics != nil {
					b.metrics.MessagesDropped.WithLabelValues(sub.ID).Add(float64(dropped + 1))
					b.metrics.SlowConsumers.Inc()
				}
				b.logger.Printf("Subscriber %s marked SlowConsumer, dropped %d queued frames", sub.ID, dropped)
				return
			}
		}
	}
}

// Resync clears a subscriber's SlowConsumer mark and queues a fresh
// FullStateSnapshot. Called when the client re-requests state.
func (b *Bus) Resync(id string) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	fn := b.snapshotFn
	b.mu.RUnlock()
	if !ok || fn == nil {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.slow = false
	select {
	case sub.queue <- fn():
	default:
		// Still full; the client has not drained, keep it slow.
		sub.slow = true
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
