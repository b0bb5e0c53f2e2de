package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/keyring"
	"github.com/harun/kestrel/pkg/llm"
	"github.com/harun/kestrel/pkg/session"
	"github.com/harun/kestrel/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// errorMarker prefixes tool output that reports a failure in-band
const errorMarker = "Error:"

// Loop executes jobs through the think-act cycle
type Loop struct {
	selector Completer
	registry *tools.Registry
	sessions *session.Store
	cfg      Config
	logger   zerolog.Logger
}

// New creates a loop runner
func New(cfg Config, selector Completer, registry *tools.Registry, sessions *session.Store, logger zerolog.Logger) (*Loop, error) {
	observability.EnsureRegistered()

	if selector == nil {
		return nil, fmt.Errorf("selector is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	return &Loop{
		selector: selector,
		registry: registry,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}, nil
}

// Run executes one job to a terminal outcome. Errors that end the run
// are folded into the Result rather than returned, so the worker can
// publish a single terminal event.
func (l *Loop) Run(ctx context.Context, params Params) Result {
	ctx = tracing.WithSessionKey(tracing.NewJobContext(ctx, params.JobID), params.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"kestrel.agentloop",
		"agentloop.run",
		attribute.String("job_id", params.JobID),
		attribute.String("session_key", params.SessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger).With().
		Str("job_id", params.JobID).
		Str("session_key", params.SessionKey).
		Logger()

	result := l.run(ctx, logger, params)

	observability.RecordLoopOutcome(string(result.Outcome))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	span.SetAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.Int("iterations", result.Iterations),
	)

	if l.cfg.MaxHistoryLength > 0 {
		if err := l.sessions.Compact(params.SessionKey, l.cfg.MaxHistoryLength); err != nil {
			logger.Warn().Err(err).Msg("Session compaction failed")
		}
	}

	logger.Info().
		Str("outcome", string(result.Outcome)).
		Int("iterations", result.Iterations).
		Msg("Agent loop finished")
	return result
}

func (l *Loop) run(ctx context.Context, logger zerolog.Logger, params Params) Result {
	history, err := l.sessions.LoadWithContext(ctx, params.SessionKey)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("failed to load session: %w", err)}
	}

	userMsg := session.Message{Kind: session.KindUser, Content: params.Prompt}
	if err := l.sessions.AppendWithContext(ctx, params.SessionKey, userMsg); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("failed to save user message: %w", err)}
	}
	history = append(history, userMsg)

	renderer := &promptRenderer{
		preamble:       l.cfg.Preamble,
		workingContext: l.cfg.WorkingContext,
		entryCap:       l.cfg.HistoryEntryCap,
	}
	parser := NewParser()
	detector := newLoopDetector(l.cfg.LoopWindow, l.cfg.JaccardThreshold)
	callOpts := l.callOptions(params)

	malformed := 0
	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if params.interrupted() || ctx.Err() != nil {
			return Result{Outcome: OutcomeInterrupted, Iterations: iteration - 1}
		}

		params.progress(fmt.Sprintf("iteration %d/%d", iteration, l.cfg.MaxIterations))

		req := llm.Request{
			Messages:     renderer.Messages(history),
			SystemPrompt: renderer.System(l.registry.List()),
			Model:        params.Model,
		}
		completion, err := l.selector.Complete(ctx, req, callOpts)
		if err != nil {
			params.publish("error", map[string]interface{}{"error": err.Error()})
			return Result{Outcome: OutcomeFailed, Iterations: iteration, Err: err}
		}
		observability.RecordLoopIteration(completion.Provider)

		if err := l.sessions.SaveActiveProvider(params.SessionKey, completion.Provider); err != nil {
			logger.Warn().Err(err).Msg("Failed to save active provider")
		}

		// an interrupt raised during the call is honored before acting
		if params.interrupted() {
			return Result{Outcome: OutcomeInterrupted, Iterations: iteration}
		}

		parsed, ok := parser.Parse(completion.Text)
		if !ok {
			malformed++
			observability.RecordMalformedResponse()
			logger.Warn().Int("consecutive", malformed).Msg("Malformed model response")

			// MalformedLimit counts tolerated replies; the next one aborts
			if malformed > l.cfg.MalformedLimit {
				return Result{
					Outcome:    OutcomeMalformedLimit,
					Iterations: iteration,
					Err:        fmt.Errorf("model produced %d consecutive malformed responses", malformed),
				}
			}
			l.appendError(ctx, params, &history,
				"Your reply could not be parsed. Respond with a single fenced JSON block containing thought, command, canvas or answer.")
			continue
		}
		malformed = 0

		l.recordParsed(ctx, params, &history, parsed)

		detector.Observe(parsed)
		if detector.Detect() {
			return Result{Outcome: OutcomeLoopDetected, Iterations: iteration}
		}

		if parsed.Answer != "" {
			return Result{Outcome: OutcomeAnswered, Answer: parsed.Answer, Iterations: iteration}
		}
		if parsed.Canvas != nil && parsed.Command == nil {
			return Result{Outcome: OutcomeAnswered, Answer: parsed.Canvas.Content, Iterations: iteration}
		}

		if parsed.Command != nil {
			result, done := l.executeCommand(ctx, logger, params, &history, parsed.Command)
			if done {
				result.Iterations = iteration
				return result
			}
			continue
		}

		if parsed.Thought == "" {
			l.appendError(ctx, params, &history,
				"Your reply contained none of thought, command, canvas or answer. Provide at least one.")
		}
	}

	return Result{Outcome: OutcomeMaxIterations, Iterations: l.cfg.MaxIterations}
}

// callOptions builds the selector options from explicit job overrides
// and the session's last active provider
func (l *Loop) callOptions(params Params) llm.CallOptions {
	if params.APIKey != "" {
		return llm.CallOptions{Key: &keyring.Key{
			Provider: params.Provider,
			APIKey:   params.APIKey,
			Model:    params.Model,
		}}
	}

	start := params.Provider
	if start == "" {
		start = l.sessions.ActiveProvider(params.SessionKey)
	}
	return llm.CallOptions{StartProvider: start}
}

// recordParsed appends whatever the model produced to history and the
// event stream, in causal order: thought, command, canvas, answer.
func (l *Loop) recordParsed(ctx context.Context, params Params, history *[]session.Message, parsed *Parsed) {
	if parsed.Thought != "" {
		l.append(ctx, params, history, session.Message{
			Kind:    session.KindAgentThought,
			Content: parsed.Thought,
		})
		params.publish("agent_thought", map[string]interface{}{"content": parsed.Thought})
	}
	if parsed.Command != nil {
		paramsJSON, _ := json.Marshal(parsed.Command.Params)
		l.append(ctx, params, history, session.Message{
			Kind:   session.KindToolCall,
			Tool:   parsed.Command.Name,
			Params: paramsJSON,
		})
		params.publish("tool_call", map[string]interface{}{
			"tool":   parsed.Command.Name,
			"params": parsed.Command.Params,
		})
	}
	if parsed.Canvas != nil {
		l.append(ctx, params, history, session.Message{
			Kind:        session.KindAgentCanvas,
			Content:     parsed.Canvas.Content,
			ContentType: parsed.Canvas.ContentType,
		})
		params.publish("agent_canvas_output", map[string]interface{}{
			"content":     parsed.Canvas.Content,
			"contentType": parsed.Canvas.ContentType,
		})
	}
	if parsed.Answer != "" {
		l.append(ctx, params, history, session.Message{
			Kind:    session.KindAgentResp,
			Content: parsed.Answer,
		})
		params.publish("agent_response", map[string]interface{}{"content": parsed.Answer})
	}
}

// executeCommand runs one tool call. done is true when the tool was
// terminal and the loop should stop.
func (l *Loop) executeCommand(ctx context.Context, logger zerolog.Logger, params Params, history *[]session.Message, cmd *Command) (Result, bool) {
	params.publish("tool.start", map[string]interface{}{"tool": cmd.Name})

	execCtx := &tools.ExecContext{
		JobID:      params.JobID,
		SessionKey: params.SessionKey,
		Logger:     logger,
		Progress:   params.Progress,
		Stream: func(eventType string, payload interface{}) {
			params.publish(eventType, payload)
		},
	}
	result := l.registry.Execute(ctx, cmd.Name, cmd.Params, execCtx)

	if result.Finished {
		l.append(ctx, params, history, session.Message{
			Kind:    session.KindAgentResp,
			Content: result.FinalAnswer,
		})
		params.publish("agent_response", map[string]interface{}{"content": result.FinalAnswer})
		return Result{Outcome: OutcomeFinished, Answer: result.FinalAnswer}, true
	}

	output := renderOutput(result.Output)
	if !result.Success {
		output = errorMarker + " " + result.Error
	}
	l.append(ctx, params, history, session.Message{
		Kind:    session.KindToolResult,
		Tool:    cmd.Name,
		Content: output,
	})
	params.publish("tool_result", map[string]interface{}{
		"tool":    cmd.Name,
		"output":  output,
		"success": result.Success,
	})

	if !result.Success || strings.HasPrefix(output, errorMarker) {
		l.appendError(ctx, params, history, fmt.Sprintf(
			"The %s tool failed: %s. Try a different approach or different parameters.",
			cmd.Name, strings.TrimSpace(strings.TrimPrefix(output, errorMarker))))
	}
	return Result{}, false
}

// append writes a message to the session and the working history copy
func (l *Loop) append(ctx context.Context, params Params, history *[]session.Message, msg session.Message) {
	if err := l.sessions.AppendWithContext(ctx, params.SessionKey, msg); err != nil {
		l.logger.Warn().Err(err).Str("kind", msg.Kind).Msg("Failed to persist message")
	}
	*history = append(*history, msg)
}

// appendError appends a corrective error message and publishes it
func (l *Loop) appendError(ctx context.Context, params Params, history *[]session.Message, text string) {
	l.append(ctx, params, history, session.Message{
		Kind:    session.KindError,
		Content: text,
	})
	params.publish("error", map[string]interface{}{"error": text})
}
