// Package engine orchestrates disaster recovery executions against a remote
// recovery-provisioning service.
//
// # Overview
//
// A RecoveryPlan is an ordered list of waves. Each wave recovers one
// protection group, a disjoint set of source servers. Running a plan creates
// an Execution that moves through its waves strictly in order:
//
//  1. Start - Validate the plan, consult admission policies and quotas, lock every server
//  2. Advance - Pause before a flagged wave, or launch the wave's provider job
//  3. Poll - Describe the in-flight job until the provider reports a final state
//  4. Settle - Mark the wave and apply the failure policy
//  5. Finish - Derive COMPLETED, PARTIAL or FAILED and release the server locks
//
// # Execution States
//
//   - PENDING: created, first wave not yet launched
//   - LAUNCHING: a provider job is being started
//   - POLLING: a job is in flight, or the next wave waits for the next tick
//   - PAUSED: waiting for a resume with the wave's pause token
//   - COMPLETED, PARTIAL, FAILED, CANCELLED: terminal
//
// # Components
//
//   - Sequencer: the state machine; every change is a versioned read-modify-write
//   - JobPoller: describes provider jobs with capped exponential backoff and an
//     adaptive per-job interval
//   - Dispatcher: a periodic tick that fans out over every active execution
//   - CallbackRegistry: mints and consumes pause tokens
//
// The conflict registry, the quota guard, the stores and the provider clients
// are injected through the interfaces in this package.
//
// # Concurrency
//
// The sequencer keeps no execution state in memory. Any number of
// dispatchers may process the same execution: every write carries the version
// it read, and a stale write is retried on a fresh read. A wave's job is
// started at most once per launch claim, and a claim that never recorded a
// job is only retried after its lease expires.
//
// # Error Classification
//
// Errors are EngineErrors with a class and a code:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Version conflicts and servers held by another execution
//   - Permanent: Validation, quota, policy and token errors
//
// Use HasCode to inspect the code anywhere in a chain:
//
//	if HasCode(err, ErrCodeServerInUse) {
//	    // another execution holds one of the servers
//	}
package engine
