package state

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestLedger(ttl time.Duration, start time.Time) (*Ledger, *time.Time) {
	ledger := NewLedger(ttl)
	current := start
	ledger.now = func() time.Time { return current }
	return ledger, &current
}

func TestIssueReturnsDistinctURLSafeTokens(t *testing.T) {
	ledger := NewLedger(0)
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		token, err := ledger.Issue()
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		if len(token) < 40 {
			t.Fatalf("token too short for 256 bits of entropy: %q", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token issued: %q", token)
		}
		seen[token] = true
		for _, r := range token {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				t.Fatalf("token contains non URL-safe rune %q", r)
			}
		}
	}
}

func TestValidateAcceptsFreshTokenOnce(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute, time.Unix(1000, 0))
	token, err := ledger.Issue()
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := ledger.Validate(token); err != nil {
		t.Fatalf("first validation failed: %v", err)
	}
	if err := ledger.Validate(token); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	ledger, _ := newTestLedger(time.Minute, time.Unix(1000, 0))
	if err := ledger.Validate("never-issued"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	ledger, current := newTestLedger(5*time.Minute, time.Unix(1000, 0))
	token, err := ledger.Issue()
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	*current = current.Add(5*time.Minute + time.Second)
	if err := ledger.Validate(token); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after TTL, got %v", err)
	}
	if got := ledger.Pending(); got != 0 {
		t.Fatalf("expired token should have been swept, %d pending", got)
	}
}

func TestValidateSweepsOnlyExpiredEntries(t *testing.T) {
	ledger, current := newTestLedger(5*time.Minute, time.Unix(1000, 0))
	old, err := ledger.Issue()
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	*current = current.Add(4 * time.Minute)
	fresh, err := ledger.Issue()
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	*current = current.Add(2 * time.Minute)

	if err := ledger.Validate(old); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected old token rejected, got %v", err)
	}
	if err := ledger.Validate(fresh); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}

func TestLedgerIsSafeForConcurrentUse(t *testing.T) {
	ledger := NewLedger(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				token, err := ledger.Issue()
				if err != nil {
					t.Errorf("issue failed: %v", err)
					return
				}
				if err := ledger.Validate(token); err != nil {
					t.Errorf("validate failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got := ledger.Pending(); got != 0 {
		t.Fatalf("expected empty ledger, %d pending", got)
	}
}
