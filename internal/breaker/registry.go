package breaker

import "container/list"

// defaultRegistryCap bounds the number of live breakers.
const defaultRegistryCap = 100

// Registry maps target keys to breakers with LRU eviction, so a churn of
// one-off targets cannot grow the map without bound.
type Registry struct {
	cfg     Config
	cap     int
	order   *list.List
	entries map[string]*list.Element
}

type registryEntry struct {
	key     string
	breaker *Breaker
}

// NewRegistry creates a registry with the default capacity.
func NewRegistry(cfg Config) *Registry {
	return NewRegistryWithCap(cfg, defaultRegistryCap)
}

func NewRegistryWithCap(cfg Config, cap int) *Registry {
	return &Registry{
		cfg:     cfg,
		cap:     cap,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the breaker for a key, creating it on first use and evicting
// the least recently used breaker at capacity.
func (r *Registry) Get(key string) *Breaker {
	if el, ok := r.entries[key]; ok {
		r.order.MoveToFront(el)
		return el.Value.(*registryEntry).breaker
	}
	if r.order.Len() >= r.cap {
		oldest := r.order.Back()
		if oldest != nil {
			delete(r.entries, oldest.Value.(*registryEntry).key)
			r.order.Remove(oldest)
		}
	}
	b := New(key, r.cfg)
	r.entries[key] = r.order.PushFront(&registryEntry{key: key, breaker: b})
	return b
}

// Peek returns the breaker for a key without creating one or refreshing
// its LRU position.
func (r *Registry) Peek(key string) (*Breaker, bool) {
	el, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*registryEntry).breaker, true
}

// Len returns the number of live breakers.
func (r *Registry) Len() int { return r.order.Len() }

// Reset resets one breaker if present.
func (r *Registry) Reset(key string) {
	if el, ok := r.entries[key]; ok {
		el.Value.(*registryEntry).breaker.Reset()
	}
}

// ResetAll resets every live breaker.
func (r *Registry) ResetAll() {
	for el := r.order.Front(); el != nil; el = el.Next() {
		el.Value.(*registryEntry).breaker.Reset()
	}
}
