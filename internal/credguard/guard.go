package credguard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is a point-in-time view of the caller's delegated cloud credential.
type Status struct {
	Identity  string
	ExpiresAt time.Time
}

// StatusSource answers credential status queries. Implementations query the
// credential cache or broker; they must not refresh the credential themselves.
type StatusSource interface {
	CredentialStatus(ctx context.Context) (Status, error)
}

const (
	ReasonExpiring = "expiring"
	ReasonInvalid  = "invalid"
)

// AuthError reports a credential that cannot back a new tunnel. It is never
// retried automatically; the caller has to re-authenticate.
type AuthError struct {
	Reason    string
	Identity  string
	Remaining time.Duration
	Margin    time.Duration
	Err       error
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case ReasonExpiring:
		return fmt.Sprintf("credential for %s expires in %s, below required margin %s; re-authenticate", e.Identity, e.Remaining.Round(time.Second), e.Margin)
	default:
		return fmt.Sprintf("credential status unavailable: %v", e.Err)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsExpiring reports whether err is an AuthError for a credential with
// insufficient remaining validity.
func IsExpiring(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Reason == ReasonExpiring
}

// Guard checks that the delegated credential has enough remaining validity
// before a tunnel is opened. It holds no state and never caches a verdict:
// tunnel setup can follow arbitrarily long user think-time, so freshness is
// re-checked at the point of use.
type Guard struct {
	source StatusSource
	now    func() time.Time
}

func New(source StatusSource) *Guard {
	return &Guard{source: source, now: time.Now}
}

// EnsureFresh returns nil when the credential remains valid for at least
// margin, and an AuthError otherwise. Read-only; no side effects.
func (g *Guard) EnsureFresh(ctx context.Context, margin time.Duration) error {
	st, err := g.source.CredentialStatus(ctx)
	if err != nil {
		return &AuthError{Reason: ReasonInvalid, Err: err}
	}
	remaining := st.ExpiresAt.Sub(g.now())
	if remaining < margin {
		return &AuthError{
			Reason:    ReasonExpiring,
			Identity:  st.Identity,
			Remaining: remaining,
			Margin:    margin,
		}
	}
	return nil
}
