// Package stores provides the durable plan, execution and lock stores used by
// the orchestration engine. SQLite (WAL mode, pure Go driver) and PostgreSQL
// (pgx) share one implementation; queries are written with ? placeholders
// and rebound per driver. Schemas are applied with golang-migrate from the
// embedded migrations directory.
//
// Execution writes are optimistic: UpdateExecution only succeeds when the
// stored version matches the caller's, and the execution row, its wave rows
// and the new audit events commit together. Conflict locks use one row per
// server so concurrent acquisitions only ever contend on the servers they
// share.
package stores
