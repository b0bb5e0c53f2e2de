package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/pkg/jobqueue"
	"github.com/rs/zerolog"
)

// Server exposes the job queue over HTTP and WebSocket
type Server struct {
	addr     string
	pool     *jobqueue.Pool
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	Pool   *jobqueue.Pool
	Logger zerolog.Logger
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("job pool is required")
	}

	s := &Server{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		pool:   cfg.Pool,
		logger: cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local daemon surface
			},
		},
	}
	return s, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJob)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: websocket streams stay open
	}
	s.logger.Info().Str("addr", s.addr).Msg("Gateway listening")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleJobs accepts job submissions
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload jobqueue.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Prompt) == "" || strings.TrimSpace(payload.SessionID) == "" {
		httpError(w, http.StatusBadRequest, "prompt and sessionId are required")
		return
	}

	job, err := s.pool.Enqueue(jobqueue.TypeProcessMessage, payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Enqueue failed")
		httpError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId": job.ID,
		"state": job.State,
	})
}

// handleJob serves job state and interrupts: GET /jobs/<id> and
// POST /jobs/<id>/interrupt
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if rest == "" {
		httpError(w, http.StatusNotFound, "job id required")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/interrupt"); ok {
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.pool.Interrupt(id)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"jobId": id, "interrupted": true})
		return
	}

	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.pool.Get(rest)
	if err != nil {
		httpError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleWebSocket streams a job's lifecycle events as JSON frames until
// the job closes or the client goes away
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		httpError(w, http.StatusBadRequest, "job query parameter required")
		return
	}

	events, cancel := s.pool.Subscribe(jobID)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("job_id", jobID).Logger()
	logger.Debug().Msg("Event stream opened")

	// drain client frames so close frames and pings are processed
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			logger.Debug().Msg("Event stream client disconnected")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("Event stream write failed")
				return
			}
			if event.Type == jobqueue.EventClose {
				logger.Debug().Msg("Event stream closed")
				return
			}
		}
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
