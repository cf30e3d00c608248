package tokens

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"freeblock/internal/clock"
)

// ErrInvalidKioskToken is returned when a presented kiosk token is
// neither the current nor the previous one.
var ErrInvalidKioskToken = errors.New("invalid kiosk token")

// Token is a kiosk token and the time left before it rotates.
type Token struct {
	Value   string        `json:"token"`
	Refresh time.Duration `json:"-"`
}

// Rotator hands out a rotating kiosk token. Rotation is lazy: the token
// only changes when Get observes that the interval has elapsed, or when
// Rotate is called. The previous token stays valid until the next
// rotation so a client that read it just before a rotation can still
// present it.
type Rotator struct {
	clock    clock.Clock
	interval time.Duration
	onRotate func()

	mu     sync.Mutex
	curr   string
	prev   string
	minted time.Time
}

// NewRotator creates a rotator minting a fresh token every interval.
func NewRotator(clk clock.Clock, interval time.Duration) *Rotator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	tok := uuid.NewString()
	return &Rotator{
		clock:    clk,
		interval: interval,
		curr:     tok,
		prev:     tok,
		minted:   clk.Now(),
	}
}

// OnRotate registers a hook called after every rotation, under the
// rotator's lock. The hook must not call back into the rotator.
func (r *Rotator) OnRotate(fn func()) {
	r.mu.Lock()
	r.onRotate = fn
	r.mu.Unlock()
}

// Interval returns the rotation interval.
func (r *Rotator) Interval() time.Duration { return r.interval }

// Get returns the current token, rotating first if it is older than the
// interval or if the clock went backwards.
func (r *Rotator) Get() Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	elapsed := now.Sub(r.minted)
	if elapsed < 0 || elapsed > r.interval {
		r.rotateLocked(now)
		return Token{Value: r.curr, Refresh: r.interval}
	}
	return Token{Value: r.curr, Refresh: r.interval - elapsed}
}

// Rotate forces a rotation regardless of age.
func (r *Rotator) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateLocked(r.clock.Now())
}

func (r *Rotator) rotateLocked(now time.Time) {
	r.prev = r.curr
	r.curr = uuid.NewString()
	r.minted = now
	if r.onRotate != nil {
		r.onRotate()
	}
}

// Validate reports whether tok is the current or the previous token.
func (r *Rotator) Validate(tok string) bool {
	if tok == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return tok == r.curr || tok == r.prev
}
