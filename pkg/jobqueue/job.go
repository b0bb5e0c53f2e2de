package jobqueue

import "time"

// Job states. Stalled is terminal: it marks a job whose stall budget
// ran out, as opposed to one that failed while running.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateStalled   = "stalled"
)

// TypeProcessMessage is the job type the agent loop handles
const TypeProcessMessage = "process-message"

// Payload is the job input
type Payload struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId"`

	// Optional explicit LLM overrides
	Provider string `json:"llmProvider,omitempty"`
	Model    string `json:"llmModelName,omitempty"`
	APIKey   string `json:"llmApiKey,omitempty"`
}

// Job is one unit of work. The queue owns durable state; the active
// worker owns progress for the duration of execution.
type Job struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Payload  Payload `json:"payload"`
	State    string  `json:"state"`
	Progress string  `json:"progress,omitempty"`
	Result   string  `json:"result,omitempty"`
	Stalls   int     `json:"stalls"`

	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// Terminal reports whether the job reached a final state
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed || j.State == StateStalled
}

// Event is one entry on a job's lifecycle channel. Consumers must treat
// unknown types as forward-compatible no-ops.
type Event struct {
	Type      string      `json:"type"`
	JobID     string      `json:"jobId"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Well-known event types
const (
	EventCompleted = "completed"
	EventError     = "error"
	EventProgress  = "progress"
	EventClose     = "close"
)
