package store

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks caller input the store refuses. Not retryable.
	ErrValidation = errors.New("validation error")
	// ErrStoreUnavailable marks a transient backend failure. Retryable with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by directory lookups for a conversation with no activity.
	ErrNotFound = errors.New("not found")
	// ErrSubscriberLagged ends a subscription whose consumer fell behind its buffer.
	ErrSubscriberLagged = errors.New("subscriber lagged behind")
)

func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func notFound(conversationID string) error {
	return fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
}
