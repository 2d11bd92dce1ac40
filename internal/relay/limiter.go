package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiter caps concurrent sessions per remote IP and hands out a token
// bucket for each session's inbound events.
type limiter struct {
	mu         sync.Mutex
	maxConns   int
	connCounts map[string]int

	rate  rate.Limit
	burst int
}

func newLimiter(maxConns int, perSecond float64, burst int) *limiter {
	l := &limiter{
		maxConns:   maxConns,
		connCounts: make(map[string]int),
		rate:       rate.Inf,
		burst:      burst,
	}
	if perSecond > 0 {
		l.rate = rate.Limit(perSecond)
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	return l
}

func (l *limiter) acquireConn(ip string) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *limiter) releaseConn(ip string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}

func (l *limiter) conns(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connCounts[ip]
}

// sessionBucket returns a fresh bucket for one session's events.
func (l *limiter) sessionBucket() *rate.Limiter {
	return rate.NewLimiter(l.rate, l.burst)
}
