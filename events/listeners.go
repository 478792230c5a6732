package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mezonai/peerpay/exception"
)

// Listeners is a registry of callbacks keyed by subscription handle.
// Callbacks run synchronously on the notifying goroutine, outside the lock.
type Listeners[T any] struct {
	name string
	mu   sync.RWMutex
	fns  map[uuid.UUID]func(T)
	// order keeps notification order stable
	order []uuid.UUID
}

func NewListeners[T any](name string) *Listeners[T] {
	return &Listeners[T]{name: name, fns: make(map[uuid.UUID]func(T))}
}

// Add registers fn and returns its unsubscribe function. Calling it more than once is a no-op.
func (l *Listeners[T]) Add(fn func(T)) func() {
	id := uuid.Must(uuid.NewV7())

	l.mu.Lock()
	l.fns[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.fns[id]; !ok {
		return
	}
	delete(l.fns, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Notify delivers v to every listener registered at call time. A panicking
// listener is logged and does not stop delivery to the others.
func (l *Listeners[T]) Notify(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn := fn
		_ = exception.SafeCall(l.name, func() { fn(v) })
	}
}

func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}
