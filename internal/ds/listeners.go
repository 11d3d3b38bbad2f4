package ds

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener handles one inbound message. Returned errors are logged.
type Listener func(Message) error

type keyedListener struct {
	key string
	fn  Listener
}

// listenerRegistry keeps listeners in registration order.
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners []keyedListener
}

// add registers fn under key. Re-registering a key replaces the listener
// in place and keeps its position.
func (r *listenerRegistry) add(key string, fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.listeners {
		if r.listeners[i].key == key {
			r.listeners[i].fn = fn
			return
		}
	}
	r.listeners = append(r.listeners, keyedListener{key: key, fn: fn})
}

func (r *listenerRegistry) remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.listeners {
		if r.listeners[i].key == key {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (r *listenerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}

func (r *listenerRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// dispatch delivers msg to every listener in order. A failing or
// panicking listener does not stop delivery to the rest.
func (r *listenerRegistry) dispatch(msg Message) {
	r.mu.RLock()
	snapshot := make([]keyedListener, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, l := range snapshot {
		if err := invokeListener(l.fn, msg); err != nil {
			log.Error().
				Err(err).
				Str("listener", l.key).
				Str("command", msg.Command).
				Msg("Event listener failed")
		}
	}
}

func invokeListener(fn Listener, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(msg)
}
