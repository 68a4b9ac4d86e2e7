// Package credential defines short-lived upstream credentials and the
// issuers that mint them.
package credential

import (
	"context"
	"time"
)

// Credential is an ephemeral upstream session secret. It is immutable once
// issued and is handed to exactly one bridge.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	ModelID   string
}

// Remaining reports how long the credential stays valid after now.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// ValidFor reports whether at least margin of validity remains after now.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	return c.Remaining(now) >= margin
}

// Issuer mints a new credential. Implementations may be slow and are not
// retried by callers.
type Issuer interface {
	Issue(ctx context.Context) (Credential, error)
}

// IssuerFunc adapts a plain function to the Issuer interface.
type IssuerFunc func(ctx context.Context) (Credential, error)

func (f IssuerFunc) Issue(ctx context.Context) (Credential, error) {
	return f(ctx)
}
