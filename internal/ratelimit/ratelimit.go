package ratelimit

import (
	"sync"
	"time"
)

// Token bucket refilled continuously at rate tokens per second up to burst
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Tokens currently available
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// Outcome of checking one inbound event against a Guard
type Verdict int

const (
	Accept Verdict = iota
	Drop
	Disconnect
)

// Per-session limiter that tracks how often the session exceeded its budget.
// A session that keeps flooding after maxViolations drops is disconnected.
type Guard struct {
	limiter       *Limiter
	violations    int
	maxViolations int
}

func NewGuard(rate float64, burst, maxViolations int) *Guard {
	return &Guard{
		limiter:       NewLimiter(rate, burst),
		maxViolations: maxViolations,
	}
}

// Not safe for concurrent use; a session's read loop is the only caller.
func (g *Guard) Check() Verdict {
	if g.limiter.Allow() {
		return Accept
	}
	g.violations++
	if g.maxViolations > 0 && g.violations > g.maxViolations {
		return Disconnect
	}
	return Drop
}

func (g *Guard) Violations() int { return g.violations }

const (
	defaultMaxClients  = 10000
	defaultIdleTimeout = 10 * time.Minute
)

type clientBucket struct {
	limiter  *Limiter
	lastSeen time.Time
}

// Token buckets keyed by client, for example a remote address. A client quiet
// for longer than the idle timeout loses its bucket at the next sweep, and
// once maxClients buckets exist the least recently seen client is evicted to
// make room for a new one.
type ClientLimiters struct {
	rate        float64
	burst       int
	maxClients  int
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	buckets map[string]*clientBucket

	stop     chan struct{}
	stopOnce sync.Once
}

// Starts a background sweep of idle clients; call Stop to end it
func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	cl := newClientLimiters(rate, burst, defaultMaxClients, defaultIdleTimeout, time.Now)
	go cl.sweep(defaultIdleTimeout / 2)
	return cl
}

func newClientLimiters(rate float64, burst, maxClients int, idleTimeout time.Duration, now func() time.Time) *ClientLimiters {
	return &ClientLimiters{
		rate:        rate,
		burst:       burst,
		maxClients:  maxClients,
		idleTimeout: idleTimeout,
		now:         now,
		buckets:     make(map[string]*clientBucket),
		stop:        make(chan struct{}),
	}
}

func (cl *ClientLimiters) Allow(clientID string) bool {
	return cl.touch(clientID).Allow()
}

// Returns the client's limiter and marks the client as seen
func (cl *ClientLimiters) touch(clientID string) *Limiter {
	now := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if b, ok := cl.buckets[clientID]; ok {
		b.lastSeen = now
		return b.limiter
	}

	if len(cl.buckets) >= cl.maxClients {
		if cl.evictIdleLocked(now) == 0 {
			cl.evictLeastRecentLocked()
		}
	}
	b := &clientBucket{limiter: newLimiter(cl.rate, cl.burst, cl.now), lastSeen: now}
	cl.buckets[clientID] = b
	return b.limiter
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.buckets, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

// Drops the buckets of clients idle longer than the idle timeout and
// reports how many went
func (cl *ClientLimiters) EvictIdle() int {
	now := cl.now()
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.evictIdleLocked(now)
}

func (cl *ClientLimiters) evictIdleLocked(now time.Time) int {
	evicted := 0
	for id, b := range cl.buckets {
		if now.Sub(b.lastSeen) > cl.idleTimeout {
			delete(cl.buckets, id)
			evicted++
		}
	}
	return evicted
}

func (cl *ClientLimiters) evictLeastRecentLocked() {
	var victim *string
	var oldest time.Time
	for id, b := range cl.buckets {
		if victim == nil || b.lastSeen.Before(oldest) {
			id := id
			victim, oldest = &id, b.lastSeen
		}
	}
	if victim != nil {
		delete(cl.buckets, *victim)
	}
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.EvictIdle()
		}
	}
}
