package coral

import "sync"

// ============================================================================
// Observable field
// ============================================================================

// Field is a single observable value: current snapshot plus change
// notifications. Exactly one writer (the owning state container) calls
// set; any number of readers call Value and Subscribe. Mutations are
// whole-value snapshot replacements, so readers never see a partial
// update.
//
// Field has no exported write API: only code in this package can
// mutate it, which is how containers keep their write surface
// restricted to the owning state logic.
type Field[T any] struct {
	mu     sync.RWMutex
	value  T
	subs   map[int]func(T)
	nextID int
}

// NewField creates a field holding initial.
func NewField[T any](initial T) *Field[T] {
	return &Field[T]{value: initial}
}

// Value returns the latest committed snapshot.
func (f *Field[T]) Value() T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Subscribe registers fn to be called with every new snapshot,
// starting with the current one. The returned cancel func removes the
// subscription; it is safe to call more than once.
func (f *Field[T]) Subscribe(fn func(T)) (cancel func()) {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]func(T))
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	current := f.value
	f.mu.Unlock()

	fn(current)

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// set replaces the snapshot and notifies subscribers. Notification
// happens outside the lock so observers never block readers or the
// writer's next mutation; panics in observer callbacks are swallowed.
func (f *Field[T]) set(v T) {
	f.mu.Lock()
	f.value = v
	handlers := make([]func(T), 0, len(f.subs))
	for _, fn := range f.subs {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(v)
		}()
	}
}
