package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	t.Run("should round-trip trace ID", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-123")
		assert.Equal(t, "trace-123", GetTraceID(ctx))
	})

	t.Run("should round-trip job ID and session key", func(t *testing.T) {
		ctx := WithJobID(context.Background(), "job-1")
		ctx = WithSessionKey(ctx, "sess-1")

		assert.Equal(t, "job-1", GetJobID(ctx))
		assert.Equal(t, "sess-1", GetSessionKey(ctx))
	})

	t.Run("should return empty string for missing values", func(t *testing.T) {
		ctx := context.Background()
		assert.Empty(t, GetTraceID(ctx))
		assert.Empty(t, GetJobID(ctx))
		assert.Empty(t, GetSessionKey(ctx))
		assert.Empty(t, GetProvider(ctx))
	})
}

func TestNewJobContext(t *testing.T) {
	t.Run("should assign a trace ID when missing", func(t *testing.T) {
		ctx := NewJobContext(context.Background(), "job-9")
		assert.NotEmpty(t, GetTraceID(ctx))
		assert.Equal(t, "job-9", GetJobID(ctx))
	})

	t.Run("should keep an existing trace ID", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "existing")
		ctx = NewJobContext(ctx, "job-10")
		assert.Equal(t, "existing", GetTraceID(ctx))
	})
}

func TestMergeContext(t *testing.T) {
	t.Run("should copy missing values only", func(t *testing.T) {
		source := NewContext(context.Background(), &TraceContext{
			TraceID:    "src-trace",
			SessionKey: "src-session",
		})
		target := WithTraceID(context.Background(), "target-trace")

		merged := MergeContext(target, source)

		assert.Equal(t, "target-trace", GetTraceID(merged))
		assert.Equal(t, "src-session", GetSessionKey(merged))
	})
}

func TestCloneContext(t *testing.T) {
	t.Run("should detach tracing values from parent", func(t *testing.T) {
		ctx := NewContext(context.Background(), &TraceContext{
			TraceID: "t", JobID: "j", SessionKey: "s", Provider: "anthropic",
		})

		clone := CloneContext(ctx)
		tc := FromContext(clone)

		assert.Equal(t, "t", tc.TraceID)
		assert.Equal(t, "j", tc.JobID)
		assert.Equal(t, "s", tc.SessionKey)
		assert.Equal(t, "anthropic", tc.Provider)
	})
}
