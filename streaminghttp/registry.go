package streaminghttp

import (
	"sync"
	"sync/atomic"
)

// transportRegistry maps session identifiers to their live channel. It never
// constructs channels itself; only the router knows whether construction is
// appropriate for the current request's phase.
type transportRegistry struct {
	mu   sync.Mutex
	m    map[string]*Channel
	live atomic.Int64
}

func newTransportRegistry() *transportRegistry {
	return &transportRegistry{m: make(map[string]*Channel)}
}

// Get returns the live channel for id, if any.
func (tr *transportRegistry) Get(id string) (*Channel, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ch, ok := tr.m[id]
	return ch, ok
}

// Bind stores the mapping and bumps the live-connection counter. The caller
// must have closed any previous channel for id first; Bind does not close
// implicitly, keeping teardown ordering explicit at the router.
func (tr *transportRegistry) Bind(id string, ch *Channel) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.m[id] = ch
	tr.live.Add(1)
	// The channel reports its own close back so the mapping and counter stay
	// consistent no matter which cleanup path closed it.
	ch.onClose = func() { tr.drop(id, ch) }
}

// drop removes the mapping if it still points at ch and decrements the live
// counter. Channel.Close guarantees this runs at most once per channel.
func (tr *transportRegistry) drop(id string, ch *Channel) {
	tr.mu.Lock()
	if cur, ok := tr.m[id]; ok && cur == ch {
		delete(tr.m, id)
	}
	tr.mu.Unlock()
	tr.live.Add(-1)
}

// Unbind removes the mapping without closing the channel. Safe when absent.
func (tr *transportRegistry) Unbind(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.m, id)
}

// Live reports the live-connection counter.
func (tr *transportRegistry) Live() int64 { return tr.live.Load() }

// CloseAll closes every live channel and clears the registry.
func (tr *transportRegistry) CloseAll() {
	tr.mu.Lock()
	channels := make([]*Channel, 0, len(tr.m))
	for _, ch := range tr.m {
		channels = append(channels, ch)
	}
	tr.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
}
