package cron

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	t.Run("should reject a task without a name", func(t *testing.T) {
		s := NewService(zerolog.Nop())
		err := s.Register(Task{Expr: "@every 1h", Run: func() {}})
		assert.Error(t, err)
	})

	t.Run("should reject a task without a function", func(t *testing.T) {
		s := NewService(zerolog.Nop())
		err := s.Register(Task{Name: "noop", Expr: "@every 1h"})
		assert.Error(t, err)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		s := NewService(zerolog.Nop())
		err := s.Register(Task{Name: "bad", Expr: "not a schedule", Run: func() {}})
		assert.Error(t, err)
	})

	t.Run("should replace a task registered under the same name", func(t *testing.T) {
		s := NewService(zerolog.Nop())
		require.NoError(t, s.Register(Task{Name: "sweep", Expr: "@every 1h", Run: func() {}}))
		require.NoError(t, s.Register(Task{Name: "sweep", Expr: "@every 2h", Run: func() {}}))
		assert.Equal(t, []string{"sweep"}, s.Tasks())
	})
}

func TestScheduling(t *testing.T) {
	t.Run("should run a registered task on its schedule", func(t *testing.T) {
		s := NewService(zerolog.Nop())
		var runs atomic.Int64
		require.NoError(t, s.Register(Task{
			Name: "tick",
			Expr: "@every 50ms",
			Run:  func() { runs.Add(1) },
		}))

		s.Start()
		defer s.Stop()

		assert.Eventually(t, func() bool {
			return runs.Load() >= 2
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("should stop running tasks after Stop", func(t *testing.T) {
		s := NewService(zerolog.Nop())
		var runs atomic.Int64
		require.NoError(t, s.Register(Task{
			Name: "tick",
			Expr: "@every 20ms",
			Run:  func() { runs.Add(1) },
		}))

		s.Start()
		assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
		s.Stop()

		settled := runs.Load()
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, settled, runs.Load())
	})

	t.Run("should not run a removed task", func(t *testing.T) {
		s := NewService(zerolog.Nop())
		var runs atomic.Int64
		require.NoError(t, s.Register(Task{
			Name: "tick",
			Expr: "@every 20ms",
			Run:  func() { runs.Add(1) },
		}))
		s.Remove("tick")

		s.Start()
		defer s.Stop()

		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, runs.Load())
		assert.Empty(t, s.Tasks())
	})
}
