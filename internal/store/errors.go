package store

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Sentinel errors returned by store operations. Callers branch with
// errors.Is; the concrete errors carry eris context on top.
var (
	// ErrNotFound: the lead, job, or item id does not exist.
	ErrNotFound = eris.New("not found")

	// ErrConcurrencyConflict: the stored version no longer matches the
	// expected version, or a guarded status transition lost a race.
	// Callers must reread and retry, or surface the conflict.
	ErrConcurrencyConflict = eris.New("concurrency conflict")

	// ErrDuplicateEvent: a webhook event with this provider event id was
	// already applied. Not a failure; the replay is acknowledged.
	ErrDuplicateEvent = eris.New("duplicate event")

	// ErrValidation: a required field is missing or malformed; nothing
	// was written.
	ErrValidation = eris.New("validation failed")
)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is (or wraps) ErrConcurrencyConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }
