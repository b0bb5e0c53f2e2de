package daemon

import (
	"context"
	"fmt"

	"github.com/harun/kestrel/pkg/agentloop"
	"github.com/harun/kestrel/pkg/jobqueue"
)

// processMessage bridges a claimed queue job into one agent loop run.
// An interrupted run completes normally; only a terminal loop error
// fails the job.
func (d *Daemon) processMessage(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
	payload := hctx.Job.Payload

	result := d.runner.Run(ctx, agentloop.Params{
		JobID:       hctx.Job.ID,
		SessionKey:  payload.SessionID,
		Prompt:      payload.Prompt,
		Provider:    payload.Provider,
		Model:       payload.Model,
		APIKey:      payload.APIKey,
		Interrupted: hctx.Interrupted,
		Publish:     hctx.Publish,
		Progress:    hctx.Progress,
	})

	switch result.Outcome {
	case agentloop.OutcomeAnswered, agentloop.OutcomeFinished:
		return result.Answer, nil
	case agentloop.OutcomeInterrupted:
		return "interrupted", nil
	case agentloop.OutcomeLoopDetected:
		return fmt.Sprintf("stopped after %d iterations: repetitive behavior detected", result.Iterations), nil
	case agentloop.OutcomeMaxIterations:
		return fmt.Sprintf("stopped: iteration budget of %d exhausted", result.Iterations), nil
	case agentloop.OutcomeMalformedLimit:
		return "stopped: too many malformed model responses", nil
	case agentloop.OutcomeFailed:
		if result.Err != nil {
			return "", result.Err
		}
		return "", fmt.Errorf("agent run failed")
	default:
		return "", fmt.Errorf("unexpected agent outcome %q", result.Outcome)
	}
}
