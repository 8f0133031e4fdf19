package network

import (
	"net"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Default accept limits.
const (
	DefaultMaxConnPerSec     = 10   // new connections per second per source IP
	DefaultMaxConcurrentConn = 4096 // open connections per listener
	guardTrackedIPs          = 8192
)

// AcceptGuard drops connections from sources that reconnect too fast and
// caps the number of concurrently open connections.
type AcceptGuard struct {
	perSec   rate.Limit
	burst    int
	maxConns int32

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	open     atomic.Int32
}

// NewAcceptGuard creates a guard. Zero or negative values select the defaults.
func NewAcceptGuard(maxPerSecPerIP, maxConcurrent int) *AcceptGuard {
	if maxPerSecPerIP <= 0 {
		maxPerSecPerIP = DefaultMaxConnPerSec
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentConn
	}

	// Only fails for a non-positive size.
	cache, _ := lru.New[string, *rate.Limiter](guardTrackedIPs)

	return &AcceptGuard{
		perSec:   rate.Limit(maxPerSecPerIP),
		burst:    maxPerSecPerIP,
		maxConns: int32(maxConcurrent),
		limiters: cache,
	}
}

// Admit reports whether a new connection from addr may proceed. Every
// admitted connection must be paired with a Release.
func (g *AcceptGuard) Admit(addr net.Addr) (bool, string) {
	if !g.limiter(extractIP(addr)).Allow() {
		return false, "connection rate exceeded"
	}
	if g.open.Add(1) > g.maxConns {
		g.open.Add(-1)
		return false, "max concurrent connections reached"
	}
	return true, ""
}

// Release marks an admitted connection as closed.
func (g *AcceptGuard) Release() {
	g.open.Add(-1)
}

// Open returns the number of admitted, unreleased connections.
func (g *AcceptGuard) Open() int {
	return int(g.open.Load())
}

func (g *AcceptGuard) limiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limiters.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(g.perSec, g.burst)
	g.limiters.Add(ip, l)
	return l
}

func extractIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
