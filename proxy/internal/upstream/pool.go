package upstream

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	DefaultMaxIdlePerKey = 4
	DefaultIdleTimeout   = 90 * time.Second
	DefaultMaxLifetime   = 10 * time.Minute
)

// PoolOptions bounds the idle connections kept by a Pool.
type PoolOptions struct {
	// MaxIdlePerKey caps idle connections per Key; negative disables pooling.
	MaxIdlePerKey int
	IdleTimeout   time.Duration
	MaxLifetime   time.Duration
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Hits   uint64
	Misses uint64
	Idle   int
}

// Pool keeps idle keep-alive connections for reuse. A connection is handed to
// one caller at a time.
type Pool struct {
	mu     sync.Mutex
	idle   map[Key][]*Conn
	closed bool

	maxIdle     int
	idleTimeout time.Duration
	maxLifetime time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewPool creates a Pool and starts its periodic cleanup.
func NewPool(opts PoolOptions) *Pool {
	if opts.MaxIdlePerKey == 0 {
		opts.MaxIdlePerKey = DefaultMaxIdlePerKey
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultMaxLifetime
	}
	p := &Pool{
		idle:        make(map[Key][]*Conn),
		maxIdle:     opts.MaxIdlePerKey,
		idleTimeout: opts.IdleTimeout,
		maxLifetime: opts.MaxLifetime,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	go p.periodicCleanup()
	return p
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return now.Sub(c.lastUsed) > p.idleTimeout || now.Sub(c.createdAt) > p.maxLifetime
}

// Get checks out the most recently used idle connection for key. Expired
// connections found on the way are closed.
func (p *Pool) Get(key Key) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	conns := p.idle[key]
	for i := len(conns) - 1; i >= 0; i-- {
		c := conns[i]
		if p.expired(c, now) {
			c.Close()
			continue
		}
		p.setIdle(key, conns[:i])
		c.Reused = true
		p.hits.Inc()
		return c, true
	}
	p.setIdle(key, nil)
	p.misses.Inc()
	return nil, false
}

// Put returns c for reuse. It reports false, closing c, when the pool is closed
// or full, or when c is expired or still holds unread bytes.
func (p *Pool) Put(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	conns := p.idle[c.Key]
	if p.closed || p.maxIdle < 0 || len(conns) >= p.maxIdle || p.expired(c, now) || c.Reader.Buffered() > 0 {
		c.Close()
		return false
	}
	c.lastUsed = now
	p.idle[c.Key] = append(conns, c)
	return true
}

// Discard closes c without returning it.
func (*Pool) Discard(c *Conn) {
	if c != nil {
		c.Close()
	}
}

// IdleLen returns the number of idle connections held for key.
func (p *Pool) IdleLen(key Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

// Stats returns the hit and miss counters and the total idle count.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := 0
	for _, conns := range p.idle {
		idle += len(conns)
	}
	p.mu.Unlock()
	return PoolStats{Hits: p.hits.Load(), Misses: p.misses.Load(), Idle: idle}
}

// Close closes every idle connection and stops the cleanup loop. Connections
// put back afterwards are closed immediately.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.idle {
		for _, c := range conns {
			c.Close()
		}
	}
	p.idle = make(map[Key][]*Conn)
	p.closed = true
	return nil
}

func (p *Pool) setIdle(key Key, conns []*Conn) {
	if len(conns) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = conns
}

func (p *Pool) periodicCleanup() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for key, conns := range p.idle {
		var active []*Conn
		for _, c := range conns {
			if p.expired(c, now) {
				c.Close()
				continue
			}
			active = append(active, c)
		}
		p.setIdle(key, active)
	}
}
