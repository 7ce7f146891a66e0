// Package signals carries engine lifecycle events (cycle and batch outcomes, enrichment runs)
// to observers such as the WebSocket stream and alerting.
package signals

import (
	"sync"
	"time"
)

type Kind string

const (
	Started                Kind = "started"
	Stopped                Kind = "stopped"
	CycleCompleted         Kind = "cycleCompleted"
	CycleError             Kind = "cycleError"
	BatchCompleted         Kind = "batchCompleted"
	BatchError             Kind = "batchError"
	EnrichmentRunCompleted Kind = "enrichmentRunCompleted"
)

type Event struct {
	Kind      Kind           `json:"kind"`
	At        time.Time      `json:"at"`
	BatchID   string         `json:"batchId,omitempty"`
	WillRetry bool           `json:"willRetry"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher is what the engine needs.
type Publisher interface {
	Publish(evt Event)
}

// EventBroker fans events out to subscribers. A subscription with no kinds receives all.
type EventBroker interface {
	Publisher
	Subscribe(kinds ...Kind) chan Event
	Unsubscribe(ch chan Event)
}

type filter map[Kind]struct{}

func newFilter(kinds []Kind) filter {
	if len(kinds) == 0 {
		return nil
	}
	f := filter{}
	for _, k := range kinds {
		f[k] = struct{}{}
	}
	return f
}

func (f filter) match(k Kind) bool {
	if f == nil {
		return true
	}
	_, ok := f[k]
	return ok
}

// Broker is the in-process EventBroker. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[chan Event]filter
}

func NewBroker() *Broker {
	return &Broker{subs: map[chan Event]filter{}}
}

func (b *Broker) Subscribe(kinds ...Kind) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = newFilter(kinds)
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	_, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (b *Broker) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, f := range b.subs {
		if !f.match(evt.Kind) {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
