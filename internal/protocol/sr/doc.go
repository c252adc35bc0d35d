// Package sr implements the per-connection reliability protocol: sequencing,
// acknowledgment, retransmission of the window head, expiration with kill
// markers, and SYNC_REQUEST/BAD_REQUEST resynchronization.
//
// A Machine never performs I/O and never reads the clock. Every operation
// takes the current time and returns Effects (envelopes to write, a timer
// command, a reconnect signal) for the owning connection loop to apply.
// A Machine is not safe for concurrent use; one loop owns it.
package sr
