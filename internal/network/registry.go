package network

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry tracks the live peers of a server, keyed by remote address.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
	}
}

// Register adds a peer, closing any previous peer from the same address.
func (r *Registry) Register(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[p.ID()]; ok && existing != p {
		existing.Close()
	}

	r.peers[p.ID()] = p
	log.Debug().Str("peer", p.ID()).Msg("peer registered")
}

// Unregister removes p if it is still the registered peer for its
// address. A replaced peer leaving late does not evict its successor.
func (r *Registry) Unregister(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[p.ID()]; ok && current == p {
		delete(r.peers, p.ID())
		log.Debug().Str("peer", p.ID()).Msg("peer unregistered")
	}
}

// Get returns the peer for a remote address.
func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// GetAll returns the registered peers ordered by address.
func (r *Registry) GetAll() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID() < result[j].ID()
	})
	return result
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// CloseAll closes every peer and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.peers {
		p.Close()
		delete(r.peers, id)
	}

	log.Info().Msg("all peers closed")
}

// CleanStale closes peers that have not delivered a packet for longer
// than timeout and returns how many were removed.
func (r *Registry) CleanStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for id, p := range r.peers {
		last := p.Status().LastActivity
		if last.IsZero() || !last.Before(cutoff) {
			continue
		}
		p.Close()
		delete(r.peers, id)
		cleaned++
		log.Warn().
			Str("peer", id).
			Time("last_activity", last).
			Msg("cleaned stale peer")
	}

	return cleaned
}
