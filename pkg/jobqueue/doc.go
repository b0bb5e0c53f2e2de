// Package jobqueue is the durable job queue and worker pool. Jobs are
// persisted in SQLite so a restart loses nothing; a bounded pool of
// workers claims jobs one at a time, heartbeats while working, and
// publishes lifecycle events on per-job channels. Jobs whose heartbeat
// goes quiet are requeued by the janitor until a stall budget runs out.
package jobqueue
