// Package keyring stores LLM API keys and selects which key a provider
// call should use. Keys carry a priority hierarchy, usage timestamps and
// health counters; misbehaving keys are cooled down or permanently
// disabled and the selection never hands them out.
package keyring
