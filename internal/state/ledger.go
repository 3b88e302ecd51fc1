// Package state issues and validates the single-use anti-forgery tokens
// that bind an OAuth redirect callback to this process.
package state

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

// ErrInvalidState is returned when a token was never issued, already
// consumed, or aged past the TTL window.
var ErrInvalidState = errors.New("invalid oauth state")

type Ledger struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	issued map[string]time.Time
}

func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		ttl:    ttl,
		now:    time.Now,
		issued: map[string]time.Time{},
	}
}

// Issue generates a fresh URL-safe token with 256 bits of entropy and
// records its issue time.
func (l *Ledger) Issue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued[token] = l.now()
	return token, nil
}

// Validate sweeps expired entries, then checks membership of token.
// A token that validates is deleted immediately, so it cannot be replayed
// within the TTL window.
func (l *Ledger) Validate(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.ttl)
	for issued, at := range l.issued {
		if at.Before(threshold) {
			delete(l.issued, issued)
		}
	}
	if _, ok := l.issued[token]; !ok {
		return ErrInvalidState
	}
	delete(l.issued, token)
	return nil
}

// Pending reports the number of outstanding tokens.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.issued)
}
