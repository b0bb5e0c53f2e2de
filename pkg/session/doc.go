// Package session manages persistent conversation history using JSONL files.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same session are serialized.
// - Message order on disk is the conversation order.
//
// Usage:
//
//	store, _ := session.New("/tmp/kestrel/sessions")
//	_ = store.Append("session:1", session.Message{Kind: session.KindUser, Content: "hello"})
//	history, _ := store.Load("session:1")
//	_ = history
package session
