package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/kestrel/pkg/jobqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler jobqueue.Handler) (*Server, *jobqueue.Pool, *httptest.Server) {
	t.Helper()

	store, err := jobqueue.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool := jobqueue.NewPool(store, jobqueue.NewBroker(), jobqueue.PoolConfig{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	pool.RegisterHandler(jobqueue.TypeProcessMessage, handler)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	srv, err := NewServer(Config{Host: "127.0.0.1", Port: 18080, Pool: pool, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, pool, ts
}

func postJob(t *testing.T, ts *httptest.Server, payload jobqueue.Payload) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	jobID, _ := out["jobId"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}

func TestNewServer(t *testing.T) {
	t.Run("should reject a missing pool", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080})
		assert.Error(t, err)
	})

	t.Run("should reject an invalid port", func(t *testing.T) {
		_, err := NewServer(Config{Port: 0, Pool: &jobqueue.Pool{}})
		assert.Error(t, err)
	})
}

func TestJobEndpoints(t *testing.T) {
	t.Run("should enqueue a job and report its state", func(t *testing.T) {
		done := make(chan struct{})
		_, _, ts := newTestGateway(t, func(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
			defer close(done)
			return "answer for " + hctx.Job.Payload.Prompt, nil
		})

		jobID := postJob(t, ts, jobqueue.Payload{Prompt: "hello", SessionID: "s1"})

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler never ran")
		}

		// state is eventually completed
		require.Eventually(t, func() bool {
			resp, err := http.Get(ts.URL + "/jobs/" + jobID)
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			var job jobqueue.Job
			if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
				return false
			}
			return job.State == jobqueue.StateCompleted && job.Result == "answer for hello"
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("should reject submissions without prompt or session", func(t *testing.T) {
		_, _, ts := newTestGateway(t, func(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
			return "", nil
		})

		resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"prompt":"  "}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should return 404 for unknown jobs", func(t *testing.T) {
		_, _, ts := newTestGateway(t, func(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
			return "", nil
		})

		resp, err := http.Get(ts.URL + "/jobs/ghost")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should deliver an interrupt to the running handler", func(t *testing.T) {
		started := make(chan struct{}, 1)
		_, _, ts := newTestGateway(t, func(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
			started <- struct{}{}
			for i := 0; i < 200; i++ {
				if hctx.Interrupted() {
					return "interrupted", nil
				}
				time.Sleep(10 * time.Millisecond)
			}
			return "never interrupted", nil
		})

		jobID := postJob(t, ts, jobqueue.Payload{Prompt: "long", SessionID: "s1"})
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("handler never started")
		}

		resp, err := http.Post(ts.URL+"/jobs/"+jobID+"/interrupt", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		require.Eventually(t, func() bool {
			r, err := http.Get(ts.URL + "/jobs/" + jobID)
			if err != nil {
				return false
			}
			defer r.Body.Close()
			var job jobqueue.Job
			if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
				return false
			}
			return job.Result == "interrupted"
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("should answer health checks", func(t *testing.T) {
		_, _, ts := newTestGateway(t, func(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
			return "", nil
		})

		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestWebSocketStream(t *testing.T) {
	t.Run("should stream job events until the close frame", func(t *testing.T) {
		block := make(chan struct{})
		_, _, ts := newTestGateway(t, func(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
			<-block
			hctx.Progress("working")
			hctx.Publish("agent_thought", map[string]interface{}{"content": "thinking"})
			return "final answer", nil
		})

		jobID := postJob(t, ts, jobqueue.Payload{Prompt: "stream me", SessionID: "s1"})

		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?job=" + jobID
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		defer conn.Close()

		// subscribed; let the handler produce events
		close(block)

		var types []string
		for {
			var ev jobqueue.Event
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("stream ended early after %v: %v", types, err)
			}
			types = append(types, ev.Type)
			assert.Equal(t, jobID, ev.JobID)
			if ev.Type == jobqueue.EventClose {
				break
			}
		}

		assert.Contains(t, types, jobqueue.EventProgress)
		assert.Contains(t, types, "agent_thought")
		assert.Contains(t, types, jobqueue.EventCompleted)
		assert.Equal(t, jobqueue.EventClose, types[len(types)-1])
	})

	t.Run("should reject a stream request without a job id", func(t *testing.T) {
		_, _, ts := newTestGateway(t, func(ctx context.Context, hctx *jobqueue.HandlerContext) (string, error) {
			return "", nil
		})

		resp, err := http.Get(ts.URL + "/ws")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
