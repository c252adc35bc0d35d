// Package session runs the reliability protocol over a live stream.
//
// Ownership boundary:
// - hello/hello.ack identity exchange before envelopes flow
// - per-connection event loop around sr.Machine (send, receive, timer)
// - generation-numbered retransmission timer
// - reconnect backoff policy
package session
