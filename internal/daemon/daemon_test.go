package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/kestrel/internal/config"
	"github.com/harun/kestrel/internal/logger"
	"github.com/harun/kestrel/pkg/agentloop"
	"github.com/harun/kestrel/pkg/jobqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	result agentloop.Result
	runs   int
	last   agentloop.Params
}

func (f *fakeRunner) Run(ctx context.Context, params agentloop.Params) agentloop.Result {
	f.runs++
	f.last = params
	return f.result
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Queue.Workers = 1
	cfg.LLM.Keys = []config.KeyConfig{{Provider: "anthropic", APIKey: "sk-test"}}

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	t.Run("should build the full module graph from defaults", func(t *testing.T) {
		d := newTestDaemon(t)
		assert.NotNil(t, d.selector)
		assert.NotNil(t, d.pool)
		assert.NotNil(t, d.sessions)
		assert.Greater(t, d.toolRegistry.Count(), 0)
		assert.Len(t, d.keys.Keys(), 1)
	})

	t.Run("should reject an invalid configuration", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Queue.Workers = -1

		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.Error(t, err)
	})

	t.Run("should load keys from the configuration", func(t *testing.T) {
		d := newTestDaemon(t)
		keys := d.keys.Keys()
		require.Len(t, keys, 1)
		assert.Equal(t, "anthropic", keys[0].Provider)
	})
}

func TestStartStop(t *testing.T) {
	t.Run("should start, report status and stop cleanly", func(t *testing.T) {
		d := newTestDaemon(t)

		require.NoError(t, d.Start())
		status := d.Status()
		assert.True(t, status.Running)
		assert.Equal(t, os.Getpid(), status.PID)

		// PID file exists while running
		pid, err := d.lifecycle.GetPID()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		assert.True(t, d.lifecycle.IsRunning())

		require.NoError(t, d.Stop())
		assert.False(t, d.Status().Running)

		_, err = os.Stat(filepath.Join(d.config.DataDir, "kestrel.pid"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("should refuse a second start", func(t *testing.T) {
		d := newTestDaemon(t)
		require.NoError(t, d.Start())
		defer d.Stop()

		assert.Error(t, d.Start())
	})

	t.Run("should tolerate stop without start", func(t *testing.T) {
		d := newTestDaemon(t)
		assert.NoError(t, d.Stop())
	})
}

func TestProcessMessage(t *testing.T) {
	enqueueAndWait := func(t *testing.T, d *Daemon, payload jobqueue.Payload) *jobqueue.Job {
		t.Helper()
		job, err := d.pool.Enqueue(jobqueue.TypeProcessMessage, payload)
		require.NoError(t, err)
		events, cancel := d.pool.Subscribe(job.ID)
		defer cancel()

		require.NoError(t, d.Start())
		t.Cleanup(func() { d.Stop() })

		deadline := time.After(10 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Type == jobqueue.EventClose {
					final, err := d.pool.Get(job.ID)
					require.NoError(t, err)
					return final
				}
			case <-deadline:
				t.Fatal("job never closed")
			}
		}
	}

	t.Run("should complete a job with the loop's answer", func(t *testing.T) {
		d := newTestDaemon(t)
		runner := &fakeRunner{result: agentloop.Result{Outcome: agentloop.OutcomeAnswered, Answer: "42"}}
		d.runner = runner

		final := enqueueAndWait(t, d, jobqueue.Payload{Prompt: "what is it", SessionID: "s1", Provider: "openai"})
		assert.Equal(t, jobqueue.StateCompleted, final.State)
		assert.Equal(t, "42", final.Result)

		assert.Equal(t, 1, runner.runs)
		assert.Equal(t, "what is it", runner.last.Prompt)
		assert.Equal(t, "s1", runner.last.SessionKey)
		assert.Equal(t, "openai", runner.last.Provider)
		assert.NotNil(t, runner.last.Interrupted)
	})

	t.Run("should complete an interrupted run rather than fail it", func(t *testing.T) {
		d := newTestDaemon(t)
		d.runner = &fakeRunner{result: agentloop.Result{Outcome: agentloop.OutcomeInterrupted, Iterations: 2}}

		final := enqueueAndWait(t, d, jobqueue.Payload{Prompt: "p", SessionID: "s"})
		assert.Equal(t, jobqueue.StateCompleted, final.State)
		assert.Equal(t, "interrupted", final.Result)
	})

	t.Run("should fail the job when the loop fails", func(t *testing.T) {
		d := newTestDaemon(t)
		d.runner = &fakeRunner{result: agentloop.Result{Outcome: agentloop.OutcomeFailed, Err: errors.New("all providers exhausted")}}

		final := enqueueAndWait(t, d, jobqueue.Payload{Prompt: "p", SessionID: "s"})
		assert.Equal(t, jobqueue.StateFailed, final.State)
		assert.Contains(t, final.Result, "exhausted")
	})

	t.Run("should describe a loop detection stop in the result", func(t *testing.T) {
		d := newTestDaemon(t)
		d.runner = &fakeRunner{result: agentloop.Result{Outcome: agentloop.OutcomeLoopDetected, Iterations: 3}}

		final := enqueueAndWait(t, d, jobqueue.Payload{Prompt: "p", SessionID: "s"})
		assert.Equal(t, jobqueue.StateCompleted, final.State)
		assert.Contains(t, final.Result, "repetitive behavior")
	})
}
