package pool

import "github.com/pkg/errors"

// Domain errors surfaced by the allocator. Handlers map these onto HTTP
// status codes; everything else is treated as an internal database error.
var (
	// ErrAlreadyHasActiveToken is returned when a user requests a token while
	// already holding one.
	ErrAlreadyHasActiveToken = errors.New("user already has an active token")

	// ErrNoTokensAvailable is returned when no token could be allocated, which
	// with a saturated pool only happens in rare races.
	ErrNoTokensAvailable = errors.New("no tokens available")

	// ErrTokenNotFound is returned for references to unknown token ids.
	ErrTokenNotFound = errors.New("token not found")

	// ErrInvalidTokenState is returned when a token row contradicts its own
	// invariants, e.g. active with no open usage where one is required.
	ErrInvalidTokenState = errors.New("invalid token state")

	// ErrNotExpired is the no-op outcome of ExpireIfDue: the token was already
	// released, or was re-activated since the job was scheduled. The queue
	// treats it as success.
	ErrNotExpired = errors.New("token not expired")
)
