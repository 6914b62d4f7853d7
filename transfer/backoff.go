package transfer

import (
	"context"
	"fmt"
	"time"
)

// Backoff doubles the wait after every failure, up to a maximum.
type Backoff struct {
	initialTimeout time.Duration
	currentTimeout time.Duration
	maximumTimeout time.Duration
}

func NewBackoff(initialTimeout, maximumTimeout time.Duration) (*Backoff, error) {
	if initialTimeout <= 0 {
		return nil, fmt.Errorf("initial timeout %s must be positive", initialTimeout)
	}
	if maximumTimeout < initialTimeout {
		return nil, fmt.Errorf("maximum timeout %s below initial timeout %s", maximumTimeout, initialTimeout)
	}
	return &Backoff{initialTimeout, initialTimeout, maximumTimeout}, nil
}

// Wait sleeps for the current timeout, then doubles it. It returns early with
// ctx.Err() if ctx is done, or with ErrSessionCancelled if stop is closed.
func (b *Backoff) Wait(ctx context.Context, stop <-chan struct{}) error {
	timer := time.NewTimer(b.currentTimeout)
	defer timer.Stop()

	b.currentTimeout *= 2
	if b.currentTimeout > b.maximumTimeout {
		b.currentTimeout = b.maximumTimeout
	}

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	}
}

func (b *Backoff) Reset() {
	b.currentTimeout = b.initialTimeout
}

// Timeout returns the duration the next Wait sleeps for.
func (b *Backoff) Timeout() time.Duration {
	return b.currentTimeout
}
