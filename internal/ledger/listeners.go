package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// ErrListenerExists is returned when an offset already has a listener.
var ErrListenerExists = errors.New("listener already registered")

// Listeners routes ledger events to the task waiting on each computation
// offset. A listener fires at most once and is then detached.
type Listeners struct {
	mu   sync.Mutex
	subs map[Offset]*Listener
}

// NewListeners creates an empty registry.
func NewListeners() *Listeners {
	return &Listeners{subs: make(map[Offset]*Listener)}
}

// Listener is a one-shot subscription for a single offset.
type Listener struct {
	offset Offset
	out    chan Event
	reg    *Listeners
	once   sync.Once
}

// Subscribe registers a listener for offset. The caller must Close it on
// every path, including timeouts.
func (r *Listeners) Subscribe(offset Offset) (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[offset]; ok {
		return nil, fmt.Errorf("subscribe offset %d: %w", offset, ErrListenerExists)
	}
	l := &Listener{offset: offset, out: make(chan Event, 1), reg: r}
	r.subs[offset] = l
	return l, nil
}

// Dispatch delivers ev to the listener for its offset and detaches it.
// Returns false when nobody is waiting.
func (r *Listeners) Dispatch(ev Event) bool {
	r.mu.Lock()
	l, ok := r.subs[ev.Offset]
	if ok {
		delete(r.subs, ev.Offset)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	// out has capacity 1 and is written only here, once per listener.
	l.out <- ev
	return true
}

// Len returns the number of attached listeners.
func (r *Listeners) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Offset returns the offset this listener waits on.
func (l *Listener) Offset() Offset { return l.offset }

// C returns the channel the event is delivered on. It is never closed.
func (l *Listener) C() <-chan Event { return l.out }

// Close detaches the listener. Safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.reg.mu.Lock()
		if cur, ok := l.reg.subs[l.offset]; ok && cur == l {
			delete(l.reg.subs, l.offset)
		}
		l.reg.mu.Unlock()
	})
}
