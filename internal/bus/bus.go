// Package bus provides in-process publish/subscribe for state-change
// notifications. Delivery is asynchronous and at-least-once per matching
// subscriber; a slow or failing subscriber never affects task state,
// which is durably committed before its event is published.
package bus

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topics published by the orchestrator.
const (
	TopicTaskQueued       = "task.queued"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskStarted      = "task.started"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"
	TopicTaskReview       = "task.review"
	TopicTaskEscalated    = "task.escalated"
	TopicWorkerRegistered = "worker.registered"
	TopicWorkerLost       = "worker.lost"
	TopicWorkerRemoved    = "worker.removed"
	TopicPlanCreated      = "plan.created"
	TopicPlanProgress     = "plan.progress"
	TopicPlanCompleted    = "plan.completed"
	TopicPlanFailed       = "plan.failed"
)

// Event represents a state-change notification.
type Event struct {
	// ID is assigned by the bus at publish time.
	ID string
	// Topic identifies the kind of event, e.g. "task.completed".
	Topic string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// WorkerID is the ID of the related worker, if applicable.
	WorkerID string
	// PlanID is the ID of the related plan, if applicable.
	PlanID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error string
	// Timestamp is when the event was published.
	Timestamp time.Time
}

// Handler processes a delivered event.
type Handler func(Event)

// publishTimeout bounds how long a publish waits on one full subscriber
// channel before dropping the event for that subscriber.
const publishTimeout = 100 * time.Millisecond

type subscriber struct {
	id      string
	name    string
	pattern string
	ch      chan Event
	done    chan struct{}
}

// Bus fans events out to pattern-matched subscribers, each on its own
// buffered channel drained by its own goroutine.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	buffer  int
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// New creates a Bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		buffer: bufferSize,
	}
}

// Publish delivers the event to every matching subscriber and returns
// the assigned event ID. It never blocks longer than publishTimeout per
// subscriber; events to full channels are dropped and counted.
func (b *Bus) Publish(e Event) string {
	e.ID = "event-" + uuid.New().String()[:8]
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return e.ID
	}

	for _, sub := range b.subs {
		if !Match(sub.pattern, e.Topic) {
			continue
		}

		// Try immediate send first.
		select {
		case sub.ch <- e:
			continue
		default:
		}

		// Channel full; give the receiver a short chance to drain.
		select {
		case sub.ch <- e:
		case <-time.After(publishTimeout):
			count := b.dropped.Add(1)
			if count%10 == 1 { // Log every 10th drop to avoid spam
				log.Printf("[bus] WARNING: subscriber %s full, dropped event (total dropped: %d): topic=%s", sub.name, count, e.Topic)
			}
		}
	}
	return e.ID
}

// Subscribe registers a handler for topics matching pattern and returns
// a subscription ID. The handler runs on its own goroutine; a panic in
// one delivery is logged and does not stop the subscription.
func (b *Bus) Subscribe(pattern string, handler Handler, name string) string {
	sub := &subscriber{
		id:      "sub-" + uuid.New().String()[:8],
		name:    name,
		pattern: pattern,
		ch:      make(chan Event, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case e := <-sub.ch:
				deliver(handler, sub.name, e)
			case <-sub.done:
				// Drain anything already buffered before exiting.
				for {
					select {
					case e := <-sub.ch:
						deliver(handler, sub.name, e)
					default:
						return
					}
				}
			}
		}
	}()

	return sub.id
}

// deliver invokes the handler, isolating panics from the bus.
func deliver(handler Handler, name string, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] subscriber %s panicked on topic %s: %v", name, e.Topic, r)
		}
	}()
	handler(e)
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.done)
	}
}

// DroppedCount returns the total number of events dropped on full
// subscriber channels.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Close stops all subscriptions and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
	b.wg.Wait()
}

// Match reports whether a topic matches a subscription pattern.
// Patterns are an exact topic, "*" for everything, or a prefix wildcard
// such as "task.*".
func Match(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}
