package behavior

import "sync"

// Blackboard is the shared state leaves read and write. It is owned by the
// driver and handed to leaves through Frame.Board.
type Blackboard struct {
	mu   sync.RWMutex
	data map[string]any
}

func NewBlackboard() *Blackboard {
	return &Blackboard{
		data: make(map[string]any),
	}
}

func (b *Blackboard) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.data = make(map[string]any)
	}
	b.data[key] = value
}

func (b *Blackboard) Get(key string) any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data[key]
}

func (b *Blackboard) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.data[key]
	return ok
}

func (b *Blackboard) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
}

func (b *Blackboard) GetString(key string) string {
	val := b.Get(key)
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

// Snapshot returns a shallow copy of the stored values.
func (b *Blackboard) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

// Lookup returns the value stored under key if it has type T.
func Lookup[T any](b *Blackboard, key string) (T, bool) {
	v, ok := b.Get(key).(T)
	return v, ok
}
