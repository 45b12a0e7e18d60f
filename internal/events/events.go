package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSyncStarted         = "sync_started"
	EventBatchProcessed      = "batch_processed"
	EventSyncCompleted       = "sync_completed"
	EventWarmingStarted      = "cache_warming_started"
	EventWarmingPeriodWarmed = "cache_warming_period_warmed"
	EventWarmingCompleted    = "cache_warming_completed"
	EventFailedSyncExhausted = "failed_sync_exhausted"
)

const defaultSubscriptionBacklog = 16

type SyncStartedPayload struct {
	RunID     string    `json:"run_id"`
	AccountID string    `json:"account_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Trigger   string    `json:"trigger"`
}

type BatchProcessedPayload struct {
	RunID               string  `json:"run_id"`
	BatchIndex          int     `json:"batch_index"`
	TotalBatches        int     `json:"total_batches"`
	Processed           int     `json:"processed"`
	Created             int     `json:"created"`
	Updated             int     `json:"updated"`
	Failed              int     `json:"failed"`
	ThroughputPerSecond float64 `json:"throughput_per_second"`
	EtaSeconds          float64 `json:"eta_seconds"`
}

type SyncCompletedPayload struct {
	RunID       string        `json:"run_id"`
	Success     bool          `json:"success"`
	Processed   int           `json:"processed"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	FailedPages int           `json:"failed_pages"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

type WarmingStartedPayload struct {
	BatchID      string `json:"batch_id"`
	Combinations int    `json:"combinations"`
}

type WarmingPeriodPayload struct {
	BatchID string `json:"batch_id"`
	Window  string `json:"window"`
	Tasks   int    `json:"tasks"`
	Failed  int    `json:"failed"`
}

type WarmingCompletedPayload struct {
	BatchID  string        `json:"batch_id"`
	Tasks    int           `json:"tasks"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type FailedSyncExhaustedPayload struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason"`
}

// Event represents a lightweight pipeline notification.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      int64
	handler EventHandler
}

// EventBus provides in-process pub/sub. Delivery is fire-and-forget:
// handler errors are ignored and channel subscribers that fall behind miss
// events.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      int64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type and returns a
// function that removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	return func() { b.unsubscribe(eventType, id) }
}

func (b *EventBus) unsubscribe(eventType string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscribeChan delivers events of eventType on a buffered channel. The
// returned cancel function unsubscribes and closes the channel.
func (b *EventBus) SubscribeChan(eventType string, backlog int) (<-chan *Event, func()) {
	if backlog <= 0 {
		backlog = defaultSubscriptionBacklog
	}
	ch := make(chan *Event, backlog)

	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := b.Subscribe(eventType, func(event *Event) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case ch <- event:
		default:
		}
		return nil
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range subs {
		// Handlers run synchronously; caller decides concurrency model.
		_ = s.handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
