package stat

import (
	"sync"
	"time"
)

// Registry hands out throughput records keyed by connection id. Records are
// created lazily on first use and shared by every unit reusing that id.
type Registry struct {
	mu    sync.Mutex
	peers map[int]*PeerStat
	now   func() time.Time
}

type Option func(*Registry)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		peers: make(map[int]*PeerStat),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the record for id, creating it on first use.
func (r *Registry) GetOrCreate(id int) *PeerStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		return p
	}
	p := &PeerStat{
		id:    id,
		start: r.now(),
		now:   r.now,
	}
	r.peers[id] = p
	return p
}

// TotalSpeed sums the instantaneous speed of every live record. This is the
// session-wide estimate the max-speed ceiling compares against.
func (r *Registry) TotalSpeed() int64 {
	r.mu.Lock()
	peers := make([]*PeerStat, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	var total int64
	for _, p := range peers {
		total += p.Speed()
	}
	return total
}

// TotalBytes sums cumulative bytes across all records.
func (r *Registry) TotalBytes() int64 {
	r.mu.Lock()
	peers := make([]*PeerStat, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	var total int64
	for _, p := range peers {
		total += p.Total()
	}
	return total
}

// All returns the live records. Order is not guaranteed.
func (r *Registry) All() []*PeerStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]*PeerStat, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// Remove drops the record for id when the owning session ends.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}
