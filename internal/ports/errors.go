package ports

import (
	"errors"
	"fmt"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

var (
	ErrQueueTimeout      = errors.New("aegisreactor: queue operation timed out")
	ErrQueueClosed       = errors.New("aegisreactor: queue closed")
	ErrAdmissionRejected = errors.New("aegisreactor: admission rejected")
	ErrShutdownTimeout   = errors.New("aegisreactor: shutdown grace period elapsed")
)

// SourceReadError reports a failing source adapter. It is never fatal to the reactor.
type SourceReadError struct {
	Source string
	Err    error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("source %s read: %v", e.Source, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// HandlerError wraps a failed handler invocation.
type HandlerError struct {
	Key     domain.Key
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s (attempt %d): %v", e.Key, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// LedgerPersistError is returned when a checkpoint could not be written.
type LedgerPersistError struct {
	Keys int
	Err  error
}

func (e *LedgerPersistError) Error() string {
	return fmt.Sprintf("ledger checkpoint of %d keys: %v", e.Keys, e.Err)
}

func (e *LedgerPersistError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler failure as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
