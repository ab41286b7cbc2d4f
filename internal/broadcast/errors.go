package broadcast

import (
	"errors"
	"fmt"
)

// Domain-specific errors for the broadcast hub.
var (
	// ErrClosed is returned by Recv once the hub is closed and every
	// retained chunk has been drained.
	ErrClosed = errors.New("broadcast: hub closed")

	// ErrSubscriptionClosed is returned by Recv on a subscription that was
	// closed by its owner.
	ErrSubscriptionClosed = errors.New("broadcast: subscription closed")

	// ErrLagged matches any *LaggedError via errors.Is.
	ErrLagged = errors.New("broadcast: subscriber lagged")
)

// LaggedError reports that a subscriber fell behind the ring and lost
// Missed chunks. The subscription has already been moved forward to the
// oldest retained chunk when this error is returned.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("broadcast: subscriber lagged, %d chunks dropped", e.Missed)
}

// Is makes errors.Is(err, ErrLagged) true for any LaggedError.
func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}
