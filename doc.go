// Package mongoqueue implements a persistent job queue that is shared by
// many independent worker processes.
//
// Applications using mongoqueue create a Queue on top of a Backend. The
// Backend is the storage handle, already bound to a database and a
// collection. There is a MongoDB backend in the "mongodb" package (using mgo)
// and in the "mongodriver" package (using the official driver), plus
// SQL-based backends in the "mysql", "postgres" and "sqlite" packages, and a
// Redis backend in the "redis" package. An in-memory backend is available for
// testing.
//
// Workers never talk to each other. All coordination happens through the
// single-document atomic find-and-modify primitive of the backend. A worker
// claims a job via LockNext, passing its own worker identifier. The job stays
// locked by that worker until the worker calls Complete (which removes the
// job), Fail (which increments the number of attempts and unlocks the job),
// or Release (which unlocks the job without counting an attempt). Every one
// of these calls is scoped by both the job identifier and the current owner,
// so a worker that lost its lock cannot modify the job anymore.
//
// A job can be claimed as long as it is unlocked and its number of attempts
// is below the configured maximum. Jobs that exceed the maximum stay in
// storage for inspection, but are never handed out again.
//
// Workers that crash leave their jobs locked. A Reaper periodically calls
// Cleanup, which releases all jobs whose lock is older than the configured
// lock timeout.
//
// LockNext serves jobs with higher priorities first. The order of jobs with
// equal priority is defined by the backend; all backends in this repository
// use insertion order.
package mongoqueue
