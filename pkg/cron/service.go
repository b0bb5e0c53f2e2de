// Package cron runs the daemon's recurring maintenance tasks on cron
// schedules.
package cron

import (
	"fmt"
	"sync"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is one named recurring maintenance function
type Task struct {
	Name string
	// Expr is a 5-field cron expression or a @every duration
	Expr string
	Run  func()
}

// Service schedules registered tasks until stopped
type Service struct {
	runner  *cronlib.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	entries map[string]cronlib.EntryID
	started bool
}

// NewService creates an empty scheduler
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		runner:  cronlib.New(),
		logger:  logger.With().Str("component", "cron").Logger(),
		entries: make(map[string]cronlib.EntryID),
	}
}

// Register adds a task. A task registered under an existing name
// replaces it.
func (s *Service) Register(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no function", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[task.Name]; ok {
		s.runner.Remove(prev)
	}

	name := task.Name
	run := task.Run
	id, err := s.runner.AddFunc(task.Expr, func() {
		s.logger.Debug().Str("task", name).Msg("Maintenance task running")
		run()
	})
	if err != nil {
		return fmt.Errorf("invalid schedule for task %q: %w", task.Name, err)
	}
	s.entries[task.Name] = id

	s.logger.Info().Str("task", task.Name).Str("schedule", task.Expr).Msg("Maintenance task registered")
	return nil
}

// Remove deletes a task by name
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.runner.Remove(id)
		delete(s.entries, name)
	}
}

// Tasks returns the registered task names
func (s *Service) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins executing schedules. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runner.Start()
	s.logger.Info().Int("tasks", len(s.entries)).Msg("Maintenance scheduler started")
}

// Stop halts scheduling and waits for running tasks to return
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.runner.Stop().Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}
