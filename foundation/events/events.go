// Package events fans the node's trace out to registered subscribers such
// as websocket clients.
package events

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownSubscriber is returned when releasing an id never acquired.
var ErrUnknownSubscriber = errors.New("events: unknown subscriber")

// bufferSize bounds the events held for a slow subscriber. Events beyond
// it are dropped for that subscriber.
const bufferSize = 100

// subscriber is one receiver and the package prefixes it cares about.
type subscriber struct {
	ch       chan string
	prefixes []string
	dropped  uint64
}

func (sub *subscriber) wants(event string) bool {
	if len(sub.prefixes) == 0 {
		return true
	}

	for _, prefix := range sub.prefixes {
		if strings.HasPrefix(event, prefix) {
			return true
		}
	}

	return false
}

// =============================================================================

// Events maintains the set of subscribers keyed by a unique id.
type Events struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New constructs an events value with no subscribers.
func New() *Events {
	return &Events{
		subs: make(map[string]*subscriber),
	}
}

// Shutdown closes and removes every subscriber.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, sub := range evt.subs {
		delete(evt.subs, id)
		close(sub.ch)
	}
}

// Acquire registers the id and returns the channel its events arrive on.
// Only events starting with one of the prefixes are delivered, every
// event is when none are given. Acquiring a known id returns its channel.
func (evt *Events) Acquire(id string, prefixes ...string) <-chan string {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	if sub, exists := evt.subs[id]; exists {
		return sub.ch
	}

	sub := subscriber{
		ch:       make(chan string, bufferSize),
		prefixes: prefixes,
	}
	evt.subs[id] = &sub

	return sub.ch
}

// Release closes and removes the subscriber.
func (evt *Events) Release(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	sub, exists := evt.subs[id]
	if !exists {
		return errors.Wrapf(ErrUnknownSubscriber, "id[%s]", id)
	}

	delete(evt.subs, id)
	close(sub.ch)

	return nil
}

// Count returns the number of subscribers.
func (evt *Events) Count() int {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	return len(evt.subs)
}

// Dropped returns how many events the subscriber missed.
func (evt *Events) Dropped(id string) uint64 {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	if sub, exists := evt.subs[id]; exists {
		return sub.dropped
	}

	return 0
}

// Send delivers the event to every interested subscriber. Send never
// blocks on a subscriber.
func (evt *Events) Send(event string) {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for _, sub := range evt.subs {
		if !sub.wants(event) {
			continue
		}

		select {
		case sub.ch <- event:
		default:
			sub.dropped++
		}
	}
}

// Handler returns an event handler formatting the node's trace into the
// subscribers.
func (evt *Events) Handler() func(v string, args ...any) {
	return func(v string, args ...any) {
		if evt.Count() == 0 {
			return
		}
		evt.Send(fmt.Sprintf(v, args...))
	}
}
