// Package agentloop drives one job through the think-act cycle: render
// a prompt from session history and the tool catalog, call the LLM
// through the failover selector, parse the structured reply, detect
// behavioral loops, execute tools, and decide whether to keep going.
//
// The loop is sequential per job. Interruption is cooperative and
// observed at safe points between network calls.
package agentloop
