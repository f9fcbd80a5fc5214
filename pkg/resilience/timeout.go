package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/gciqs/gciqs/pkg/errors"
)

// WithTimeout runs fn under a deadline of timeout; a non-positive timeout
// leaves ctx unchanged. fn must honour its context. When the deadline, not
// the parent, ended the call the error wraps both apperrors.ErrTimeout and
// context.DeadlineExceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(timeoutCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", name, err)
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s after %v: %w: %w", name, timeout, apperrors.ErrTimeout, context.DeadlineExceeded)
	}
	return err
}
