// Package crawler holds the job model shared by the dispatcher and workers: job types and
// states, the lease handle carried by each job, result records and their type adapters, and
// the collaborator interfaces (storage, overflow, done log, external API, clock).
//
// Job lifecycle:
//
//	Idle -> Pending -> Fulfilled
//	Idle -> Pending -> Idle (lease timeout) -> ... -> Failed (fail threshold reached)
//
// Fulfilled and Failed are terminal.
package crawler
