// Package events carries engine notifications to the embedding application.
// The engine publishes; the application subscribes. Delivery is asynchronous,
// ordered, and at-most-once per subscriber; publishers never block.
package events

import (
	"log"
	"sync"
)

// AuthenticationChanged is emitted when a session starts or ends.
type AuthenticationChanged struct {
	Authenticated bool
	UserInfo      map[string]string
}

// Progress is emitted after each committed batch of a sync operation.
type Progress struct {
	OperationID string
	Percent     int
}

// Completed is emitted exactly once when a sync operation finishes.
type Completed struct {
	OperationID string
	Success     bool
}

// EngineError is emitted for asynchronous failures outside a sync operation.
type EngineError struct {
	Context string
	Message string
}

// Event is one of the notification structs above.
type Event any

const queueDepth = 256

// Bus fans published events out to subscribers through a single dispatcher
// goroutine, so every subscriber observes events in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	queue  chan Event
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBus returns a running Bus. Call Close to stop it.
func NewBus() *Bus {
	b := &Bus{
		queue: make(chan Event, queueDepth),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a new subscriber and returns its channel. buffer must
// be positive. A subscriber that stops draining loses events (they are
// dropped, never redelivered) but does not stall the engine.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish enqueues an event for delivery. Never blocks: if the queue is full
// or the bus is closed, the event is dropped and logged.
func (b *Bus) Publish(e Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- e:
	default:
		log.Printf("events: queue full, dropping %T", e)
	}
}

// Close stops the dispatcher after draining queued events and closes all
// subscriber channels. Safe to call once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		case <-b.done:
			// Drain anything already queued before exiting.
			for {
				select {
				case e := <-b.queue:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			log.Printf("events: subscriber full, dropping %T", e)
		}
	}
}
