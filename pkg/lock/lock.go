package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL matches the maximum run time of one invocation, so a lock left by a
// crashed run expires no later than that run could still be executing.
const DefaultTTL = 15 * time.Minute

// ErrAlreadyLocked is matched by every contention error
var ErrAlreadyLocked = errors.New("organization is already locked")

// ContentionError reports that another run holds the organization's lock
type ContentionError struct {
	OrganizationID string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("organization %s is already locked", e.OrganizationID)
}

// Is makes errors.Is(err, ErrAlreadyLocked) true
func (e *ContentionError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// IsAlreadyLocked checks if an error is a lock contention error
func IsAlreadyLocked(err error) bool {
	return errors.Is(err, ErrAlreadyLocked)
}

// Info describes a held lock
type Info struct {
	OrganizationID string    `json:"organizationId"`
	LockedUntil    time.Time `json:"lockedUntil"`
}

// Locker provides org-scoped mutual exclusion with automatic expiry. Acquire is a
// single conditional write: it succeeds only when no lock exists for the org or the
// existing one has expired. Release is unconditional and idempotent.
type Locker interface {
	Acquire(ctx context.Context, organizationID string) (*Info, error)
	Release(ctx context.Context, organizationID string) error
}

// Options are shared by the lock backends
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
