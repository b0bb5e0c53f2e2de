package agentloop

import (
	"context"

	"github.com/harun/kestrel/pkg/llm"
)

// Outcome classifies how a loop run ended
type Outcome string

const (
	// OutcomeAnswered means the model produced a direct answer
	OutcomeAnswered Outcome = "answered"
	// OutcomeFinished means the model called the terminal finish tool
	OutcomeFinished Outcome = "finished"
	// OutcomeInterrupted means an interrupt was observed at a safe point
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeLoopDetected means the model repeated itself
	OutcomeLoopDetected Outcome = "loop_detected"
	// OutcomeMaxIterations means the iteration budget ran out
	OutcomeMaxIterations Outcome = "max_iterations"
	// OutcomeMalformedLimit means too many consecutive unparseable replies
	OutcomeMalformedLimit Outcome = "malformed_limit"
	// OutcomeFailed means the run hit a terminal error
	OutcomeFailed Outcome = "failed"
)

// Result is the terminal state of one loop run
type Result struct {
	Outcome    Outcome `json:"outcome"`
	Answer     string  `json:"answer,omitempty"`
	Iterations int     `json:"iterations"`
	Err        error   `json:"-"`
}

// Command is a tool invocation requested by the model
type Command struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Canvas is rich content the model wants displayed
type Canvas struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// Parsed is the structured form of one model reply. At least one field
// is set on a successful parse.
type Parsed struct {
	Thought string   `json:"thought,omitempty"`
	Command *Command `json:"command,omitempty"`
	Canvas  *Canvas  `json:"canvas,omitempty"`
	Answer  string   `json:"answer,omitempty"`
}

// Completer is the slice of the failover selector the loop needs
type Completer interface {
	Complete(ctx context.Context, req llm.Request, opts llm.CallOptions) (*llm.Result, error)
}

// Config tunes the loop
type Config struct {
	// MaxIterations bounds think-act cycles per job (default 10)
	MaxIterations int

	// MalformedLimit is how many consecutive unparseable replies are
	// tolerated; one more aborts the run (default 2, aborting on the
	// third)
	MalformedLimit int

	// LoopWindow is how many trailing iterations must repeat before the
	// loop detector fires (default 3)
	LoopWindow int

	// JaccardThreshold is the thought-similarity cutoff (default 0.8)
	JaccardThreshold float64

	// HistoryEntryCap truncates rendered history entries longer than
	// this many characters (default 5000)
	HistoryEntryCap int

	// MaxHistoryLength compacts the session when its history exceeds
	// this many messages (0 disables compaction)
	MaxHistoryLength int

	// WorkingContext is operator-supplied context injected into every
	// system prompt
	WorkingContext string

	// Preamble overrides the default system preamble
	Preamble string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = 2
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = 3
	}
	if c.JaccardThreshold <= 0 {
		c.JaccardThreshold = 0.8
	}
	if c.HistoryEntryCap <= 0 {
		c.HistoryEntryCap = 5000
	}
	if c.Preamble == "" {
		c.Preamble = defaultPreamble
	}
	return c
}

// Params describes one job run
type Params struct {
	JobID      string
	SessionKey string
	Prompt     string

	// Explicit overrides from the job payload
	Provider string
	Model    string
	APIKey   string

	// Interrupted is polled at safe points; nil means never
	Interrupted func() bool

	// Publish emits a lifecycle event on the job's channel; nil discards
	Publish func(eventType string, payload interface{})

	// Progress reports a short status note; nil discards
	Progress func(note string)
}

func (p Params) interrupted() bool {
	return p.Interrupted != nil && p.Interrupted()
}

func (p Params) publish(eventType string, payload interface{}) {
	if p.Publish != nil {
		p.Publish(eventType, payload)
	}
}

func (p Params) progress(note string) {
	if p.Progress != nil {
		p.Progress(note)
	}
}
