package memory

import (
	"context"
	"sync"

	"github.com/johnnydxm/dwayauth/token"
)

// Revocations is an in-memory token.RevocationLog.
type Revocations struct {
	mu      sync.Mutex
	entries []token.Revocation
}

// NewRevocations returns an empty revocation log.
func NewRevocations() *Revocations { return &Revocations{} }

func (l *Revocations) RecordRevocation(ctx context.Context, r token.Revocation) error {
	l.mu.Lock()
	l.entries = append(l.entries, r)
	l.mu.Unlock()
	return nil
}

// ForUser returns the revocations recorded for userID.
func (l *Revocations) ForUser(userID string) []token.Revocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []token.Revocation
	for _, r := range l.entries {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}
