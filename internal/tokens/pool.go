package tokens

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"freeblock/internal/clock"
)

// Claim is a consumed session token. It can be handed back with Restore
// when the attempt it gated failed in a way that must not burn it.
type Claim struct {
	Token   string
	expires time.Time
}

// Pool holds one-time session tokens granted after a kiosk handshake.
type Pool struct {
	clock clock.Clock
	ttl   time.Duration

	mu   sync.Mutex
	live map[string]time.Time
}

// NewPool creates a pool whose tokens expire after ttl. A zero ttl keeps
// tokens until they are consumed.
func NewPool(clk clock.Clock, ttl time.Duration) *Pool {
	return &Pool{clock: clk, ttl: ttl, live: make(map[string]time.Time)}
}

// Issue mints and stores a new session token.
func (p *Pool) Issue() string {
	tok := uuid.NewString()
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked(now)
	var exp time.Time
	if p.ttl > 0 {
		exp = now.Add(p.ttl)
	}
	p.live[tok] = exp
	return tok
}

// Consume removes tok and reports whether it was live. Of two concurrent
// callers presenting the same token exactly one succeeds.
func (p *Pool) Consume(tok string) (Claim, bool) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.live[tok]
	if !ok {
		return Claim{}, false
	}
	delete(p.live, tok)
	if expired(exp, now) {
		return Claim{}, false
	}
	return Claim{Token: tok, expires: exp}, true
}

// Restore puts a claimed token back so the client can retry with it.
// Expired claims are dropped.
func (p *Pool) Restore(c Claim) {
	if c.Token == "" {
		return
	}
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if expired(c.expires, now) {
		return
	}
	p.live[c.Token] = c.expires
}

// Len returns the number of live tokens.
func (p *Pool) Len() int {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked(now)
	return len(p.live)
}

func (p *Pool) purgeLocked(now time.Time) {
	for tok, exp := range p.live {
		if expired(exp, now) {
			delete(p.live, tok)
		}
	}
}

func expired(exp, now time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}
