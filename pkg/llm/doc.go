// Package llm holds the provider adapters and the failover selector that
// turns a conversation into text. Each adapter translates generic
// messages into its backend's request shape and classifies failures as
// permanent or temporary; the selector rotates the provider hierarchy,
// retries transient errors with backoff and reports key health to the
// keyring.
package llm
