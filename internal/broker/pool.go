package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PoolConfig governs session reuse and eviction in Pool.
type PoolConfig struct {
	IdleTimeout      time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

type cachedSession struct {
	session   Session
	userID    string
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Pool caches one broker Session per user, honoring the connect() contract
// that at most one open session exists per user at a time. A second Get for
// the same user returns the cached session rather than dialing again.
type Pool struct {
	mu     sync.Mutex
	port   Port
	cfg    PoolConfig
	byUser map[string]*cachedSession
}

func NewPool(port Port, cfg PoolConfig) *Pool {
	return &Pool{port: port, cfg: cfg, byUser: make(map[string]*cachedSession)}
}

// Get returns the cached session for userID, connecting one if absent.
func (p *Pool) Get(ctx context.Context, userID string, creds Credentials, env Environment) (Session, error) {
	p.mu.Lock()
	if cs, ok := p.byUser[userID]; ok {
		if cs.failures >= p.cfg.FailureThreshold && time.Since(cs.healthyAt) < p.cfg.CircuitTimeout {
			p.mu.Unlock()
			return nil, fmt.Errorf("broker session for user %s is circuit-broken after %d failures", userID, cs.failures)
		}
		cs.lastUsed = time.Now()
		p.mu.Unlock()
		return cs.session, nil
	}
	p.mu.Unlock()

	session, err := p.port.Connect(ctx, creds, env)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cs, ok := p.byUser[userID]; ok {
		// Lost the race; close the redundant session and keep the existing one.
		_ = session.Close()
		return cs.session, nil
	}
	now := time.Now()
	p.byUser[userID] = &cachedSession{session: session, userID: userID, lastUsed: now, healthyAt: now}
	return session, nil
}

// RecordFailure increments the failure count for a user's session.
func (p *Pool) RecordFailure(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cs, ok := p.byUser[userID]; ok {
		cs.failures++
	}
}

// RecordSuccess clears the failure count and refreshes health for a user's session.
func (p *Pool) RecordSuccess(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cs, ok := p.byUser[userID]; ok {
		cs.failures = 0
		cs.healthyAt = time.Now()
	}
}

// Remove closes and evicts a user's cached session, e.g. on explicit disconnect.
func (p *Pool) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cs, ok := p.byUser[userID]; ok {
		_ = cs.session.Close()
		delete(p.byUser, userID)
	}
}

// CleanupIdle closes sessions idle longer than IdleTimeout. Intended to be
// called from a periodic ticker owned by the caller (e.g. the health task).
func (p *Pool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, cs := range p.byUser {
		if now.Sub(cs.lastUsed) > p.cfg.IdleTimeout {
			_ = cs.session.Close()
			delete(p.byUser, id)
		}
	}
}
