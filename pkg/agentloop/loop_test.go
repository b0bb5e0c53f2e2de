package agentloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/kestrel/pkg/llm"
	"github.com/harun/kestrel/pkg/session"
	"github.com/harun/kestrel/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCompleter replays canned model replies
type scriptedCompleter struct {
	replies []string
	calls   int
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request, opts llm.CallOptions) (*llm.Result, error) {
	if s.calls >= len(s.replies) {
		return nil, fmt.Errorf("script exhausted after %d calls", s.calls)
	}
	reply := s.replies[s.calls]
	s.calls++
	return &llm.Result{
		Response: llm.Response{Text: reply},
		Provider: "anthropic",
	}, nil
}

type loopFixture struct {
	loop     *Loop
	sessions *session.Store
	events   []string
}

func newLoopFixture(t *testing.T, cfg Config, completer Completer, workspace string) *loopFixture {
	t.Helper()

	sessions, err := session.New(t.TempDir())
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, tools.BuiltinOptions{WorkspaceRoot: workspace}))

	loop, err := New(cfg, completer, registry, sessions, zerolog.Nop())
	require.NoError(t, err)

	return &loopFixture{loop: loop, sessions: sessions}
}

func (f *loopFixture) params(prompt string) Params {
	return Params{
		JobID:      "job-1",
		SessionKey: "sess",
		Prompt:     prompt,
		Publish: func(eventType string, payload interface{}) {
			f.events = append(f.events, eventType)
		},
	}
}

func fenced(body string) string {
	return "```json\n" + body + "\n```"
}

func TestRunAnswer(t *testing.T) {
	t.Run("should terminate with the model's direct answer", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			fenced(`{"answer": "all done"}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("do the thing"))

		assert.Equal(t, OutcomeAnswered, result.Outcome)
		assert.Equal(t, "all done", result.Answer)
		assert.Equal(t, 1, result.Iterations)
		assert.Contains(t, f.events, "agent_response")
	})

	t.Run("should persist the conversation in order", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			fenced(`{"thought": "easy one", "answer": "done"}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		f.loop.Run(context.Background(), f.params("hello"))

		history, err := f.sessions.Load("sess")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, session.KindUser, history[0].Kind)
		assert.Equal(t, session.KindAgentThought, history[1].Kind)
		assert.Equal(t, session.KindAgentResp, history[2].Kind)
	})
}

func TestRunToolExecution(t *testing.T) {
	t.Run("should execute ls and feed the result back before answering", func(t *testing.T) {
		workspace := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(workspace, "notes.txt"), []byte("x"), 0600))

		completer := &scriptedCompleter{replies: []string{
			fenced(`{"thought": "I need the file list", "command": {"name": "ls", "params": {}}}`),
			fenced(`{"answer": "the workspace contains notes.txt"}`),
		}}
		f := newLoopFixture(t, Config{}, completer, workspace)

		result := f.loop.Run(context.Background(), f.params("what files are there?"))

		assert.Equal(t, OutcomeAnswered, result.Outcome)
		assert.Equal(t, 2, result.Iterations)
		assert.Contains(t, f.events, "tool_call")
		assert.Contains(t, f.events, "tool_result")

		history, err := f.sessions.Load("sess")
		require.NoError(t, err)
		var toolResult *session.Message
		for i := range history {
			if history[i].Kind == session.KindToolResult {
				toolResult = &history[i]
			}
		}
		require.NotNil(t, toolResult)
		assert.Equal(t, "ls", toolResult.Tool)
		assert.Contains(t, toolResult.Content, "notes.txt")
	})

	t.Run("should append a corrective error when a tool fails", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			fenced(`{"command": {"name": "todo", "params": {"action": "explode"}}}`),
			fenced(`{"answer": "giving up on that tool"}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("break something"))

		assert.Equal(t, OutcomeAnswered, result.Outcome)

		history, err := f.sessions.Load("sess")
		require.NoError(t, err)
		var sawCorrective bool
		for _, msg := range history {
			if msg.Kind == session.KindError {
				sawCorrective = true
				assert.Contains(t, msg.Content, "todo")
			}
		}
		assert.True(t, sawCorrective)
	})

	t.Run("finish tool should end the run with its answer", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			fenced(`{"command": {"name": "finish", "params": {"answer": "job complete"}}}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("wrap up"))

		assert.Equal(t, OutcomeFinished, result.Outcome)
		assert.Equal(t, "job complete", result.Answer)
	})

	t.Run("canvas without command should terminate", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			fenced(`{"canvas": {"content": "# report", "contentType": "markdown"}}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("show me"))

		assert.Equal(t, OutcomeAnswered, result.Outcome)
		assert.Equal(t, "# report", result.Answer)
		assert.Contains(t, f.events, "agent_canvas_output")
	})
}

func TestRunLoopDetection(t *testing.T) {
	t.Run("should stop on the third identical command", func(t *testing.T) {
		same := fenced(`{"command": {"name": "ls", "params": {"path": "."}}}`)
		completer := &scriptedCompleter{replies: []string{same, same, same, same}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("list forever"))

		assert.Equal(t, OutcomeLoopDetected, result.Outcome)
		assert.Equal(t, 3, result.Iterations)
	})
}

func TestRunMalformed(t *testing.T) {
	// broken json fragments defeat both strict parsing and recovery
	garbage := `{"thought": "unterminated`

	t.Run("should abort on the third consecutive malformed reply", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{garbage, garbage, garbage}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("hi"))

		assert.Equal(t, OutcomeMalformedLimit, result.Outcome)
		assert.Equal(t, 3, result.Iterations)
		assert.Equal(t, 3, completer.calls)
	})

	t.Run("should tolerate two malformed replies when a valid one follows", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			garbage,
			garbage,
			fenced(`{"answer": "third time lucky"}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("hi"))

		assert.Equal(t, OutcomeAnswered, result.Outcome)
		assert.Equal(t, "third time lucky", result.Answer)
		assert.Equal(t, 3, result.Iterations)
	})

	t.Run("a valid reply should reset the malformed counter", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			garbage,
			fenced(`{"thought": "recovered, moving on now"}`),
			garbage,
			fenced(`{"answer": "made it"}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("hi"))

		assert.Equal(t, OutcomeAnswered, result.Outcome)
		assert.Equal(t, "made it", result.Answer)
	})
}

func TestRunBounds(t *testing.T) {
	t.Run("should stop at max iterations on endless thoughts", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			fenced(`{"thought": "first I will inspect the configuration layout"}`),
			fenced(`{"thought": "next the queue tables deserve a look"}`),
			fenced(`{"thought": "perhaps the provider hierarchy matters here"}`),
			fenced(`{"thought": "session history could also be relevant"}`),
		}}
		f := newLoopFixture(t, Config{MaxIterations: 4}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("ponder"))

		assert.Equal(t, OutcomeMaxIterations, result.Outcome)
		assert.Equal(t, 4, result.Iterations)
	})

	t.Run("should honor an interrupt between iterations", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			fenced(`{"thought": "this could take a very long while"}`),
			fenced(`{"thought": "still thinking about the problem here"}`),
		}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		interrupted := false
		params := f.params("long job")
		params.Interrupted = func() bool { return interrupted }

		// flip the flag after the first reply is processed
		origPublish := params.Publish
		params.Publish = func(eventType string, payload interface{}) {
			if eventType == "agent_thought" {
				interrupted = true
			}
			origPublish(eventType, payload)
		}

		result := f.loop.Run(context.Background(), params)

		assert.Equal(t, OutcomeInterrupted, result.Outcome)
		assert.Equal(t, 1, completer.calls)
	})

	t.Run("should fail when the selector is exhausted", func(t *testing.T) {
		completer := &scriptedCompleter{} // errors immediately
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		result := f.loop.Run(context.Background(), f.params("hi"))

		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.Error(t, result.Err)
	})

	t.Run("should record the session's active provider", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{fenced(`{"answer": "ok"}`)}}
		f := newLoopFixture(t, Config{}, completer, t.TempDir())

		f.loop.Run(context.Background(), f.params("hi"))

		assert.Equal(t, "anthropic", f.sessions.ActiveProvider("sess"))
	})
}
