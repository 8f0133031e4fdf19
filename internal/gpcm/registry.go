package gpcm

import (
	"sort"
	"sync"

	"github.com/energizer-project/gpcm/internal/protocol"
)

// Peer is the handle other sessions use to reach a registered session.
// Every method is safe to call from any goroutine.
type Peer interface {
	Deliver(msg *protocol.Message) SendStatus
	GameID() string
	Presence() Presence
	IP() uint32
	Info() SessionInfo
	Close(reason string)
}

// Registry maps authenticated profile ids to their live session. It holds
// at most one peer per profile id.
type Registry struct {
	mu    sync.RWMutex
	peers map[int]Peer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[int]Peer)}
}

// Register maps profileID to p and returns the peer it replaced, if any.
func (r *Registry) Register(profileID int, p Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.peers[profileID]
	r.peers[profileID] = p
	return prev
}

// Unregister removes profileID only while it still maps to p, so a closing
// session never removes the session that replaced it.
func (r *Registry) Unregister(profileID int, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[profileID]; ok && cur == p {
		delete(r.peers, profileID)
		return true
	}
	return false
}

// Lookup returns the peer registered for profileID.
func (r *Registry) Lookup(profileID int) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[profileID]
	return p, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns every registered session ordered by profile id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}
