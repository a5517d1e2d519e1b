// Package lock implements organization-scoped distributed locks.
//
// A lock guards the non-idempotent posting step of a synchronous donation run:
// two deliveries of the same donation must not both pay packages. Acquisition is
// one atomic conditional write in every backend:
//
//	RedisLocker     SET flossfund:lock:{org} {until} NX EX {ttl}
//	PostgresLocker  INSERT ... ON CONFLICT DO UPDATE ... WHERE locked_until < now
//
// Locks expire after DefaultTTL (15 minutes) even if never released.
//
//	info, err := locker.Acquire(ctx, orgID)
//	if lock.IsAlreadyLocked(err) {
//		return err // another run owns this organization
//	}
//	defer locker.Release(ctx, orgID)
package lock
