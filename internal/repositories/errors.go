package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	job, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example enqueueing two jobs with the same idempotency key.
var ErrConflict = errors.New("record already exists")

// ErrLeaseLost is returned by lease-guarded job updates when the caller no
// longer holds the lease: the job was reclaimed by the stale-lock sweep or
// claimed by another robot. The caller must stop acting on the job.
var ErrLeaseLost = errors.New("job lease lost")

// ErrTerminal is returned when an update would modify a job that has already
// reached a terminal status. Terminal status is absorbing: the update is
// refused and the stored state left untouched.
var ErrTerminal = errors.New("job is terminal")

// ErrSlotsExhausted is returned by AcquireSlot when the robot already runs
// its maximum number of concurrent jobs.
var ErrSlotsExhausted = errors.New("no free concurrency slot")

// ErrStaleAdvance is returned by AdvanceAfterFire when the schedule's
// next_run no longer matches the observed value: a competing scheduler
// replica already fired this tick. The caller treats it as a no-op.
var ErrStaleAdvance = errors.New("schedule already advanced")
