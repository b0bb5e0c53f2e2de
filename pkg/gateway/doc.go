// Package gateway is the thin HTTP/WebSocket surface over the job
// queue: submit a job, interrupt it, poll its state, or stream its
// lifecycle events over a socket.
package gateway
