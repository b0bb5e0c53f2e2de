package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestAppendAndLoad(t *testing.T) {
	t.Run("should round-trip messages in order", func(t *testing.T) {
		s := newTestStore(t)

		require.NoError(t, s.Append("chat", Message{Kind: KindUser, Content: "list my files"}))
		require.NoError(t, s.Append("chat", Message{Kind: KindAgentThought, Content: "I should call ls"}))
		require.NoError(t, s.Append("chat", Message{Kind: KindToolCall, Tool: "ls", Params: []byte(`{"path":"."}`)}))

		messages, err := s.Load("chat")
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, KindUser, messages[0].Kind)
		assert.Equal(t, KindAgentThought, messages[1].Kind)
		assert.Equal(t, "ls", messages[2].Tool)
	})

	t.Run("should assign id and timestamp when absent", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Append("chat", Message{Kind: KindUser, Content: "hi"}))

		messages, err := s.Load("chat")
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.NotEmpty(t, messages[0].ID)
		assert.False(t, messages[0].Timestamp.IsZero())
	})

	t.Run("should return empty history for unknown session", func(t *testing.T) {
		s := newTestStore(t)
		messages, err := s.Load("ghost")
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("should reject a message without kind", func(t *testing.T) {
		s := newTestStore(t)
		assert.Error(t, s.Append("chat", Message{Content: "no kind"}))
	})

	t.Run("should skip corrupted lines on load", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Append("chat", Message{Kind: KindUser, Content: "first"}))

		f, err := os.OpenFile(s.sessionPath("chat"), os.O_APPEND|os.O_WRONLY, 0600)
		require.NoError(t, err)
		_, err = f.WriteString("{broken json\n")
		require.NoError(t, err)
		f.Close()

		require.NoError(t, s.Append("chat", Message{Kind: KindUser, Content: "second"}))

		messages, err := s.Load("chat")
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "first", messages[0].Content)
		assert.Equal(t, "second", messages[1].Content)
	})
}

func TestValidateKey(t *testing.T) {
	t.Run("should reject traversal and separators", func(t *testing.T) {
		s := newTestStore(t)
		for _, key := range []string{"", "../etc", "a/b", `a\b`, "nul\x00byte"} {
			assert.Error(t, s.Append(key, Message{Kind: KindUser, Content: "x"}), "key %q", key)
		}
	})
}

func TestActiveProvider(t *testing.T) {
	t.Run("should persist the last active provider", func(t *testing.T) {
		s := newTestStore(t)
		assert.Empty(t, s.ActiveProvider("chat"))

		require.NoError(t, s.SaveActiveProvider("chat", "openai"))
		assert.Equal(t, "openai", s.ActiveProvider("chat"))

		require.NoError(t, s.SaveActiveProvider("chat", "anthropic"))
		assert.Equal(t, "anthropic", s.ActiveProvider("chat"))
	})
}

func TestCompact(t *testing.T) {
	t.Run("should leave short histories alone", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Append("chat", Message{Kind: KindUser, Content: "hi"}))

		require.NoError(t, s.Compact("chat", 10))

		messages, err := s.Load("chat")
		require.NoError(t, err)
		assert.Len(t, messages, 1)
	})

	t.Run("should drop oldest non-user messages and insert a marker", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Append("chat", Message{Kind: KindUser, Content: "the question"}))
		for i := 0; i < 10; i++ {
			require.NoError(t, s.Append("chat", Message{Kind: KindAgentThought, Content: "thinking"}))
		}
		require.NoError(t, s.Append("chat", Message{Kind: KindAgentResp, Content: "the answer"}))

		require.NoError(t, s.Compact("chat", 5))

		messages, err := s.Load("chat")
		require.NoError(t, err)
		assert.Equal(t, KindError, messages[0].Kind)
		assert.Contains(t, messages[0].Content, "elided")

		// the user message survives even though it is oldest
		var kinds []string
		for _, m := range messages {
			kinds = append(kinds, m.Kind)
		}
		assert.Contains(t, kinds, KindUser)
		assert.Equal(t, "the answer", messages[len(messages)-1].Content)
	})
}

func TestRepair(t *testing.T) {
	t.Run("should rewrite the file keeping only valid lines", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Append("chat", Message{Kind: KindUser, Content: "keep me"}))

		f, err := os.OpenFile(s.sessionPath("chat"), os.O_APPEND|os.O_WRONLY, 0600)
		require.NoError(t, err)
		_, err = f.WriteString("not json at all\n")
		require.NoError(t, err)
		f.Close()

		require.NoError(t, s.Repair("chat"))

		raw, err := os.ReadFile(s.sessionPath("chat"))
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "not json at all")
	})
}

func TestDeleteAndList(t *testing.T) {
	t.Run("should list sessions and forget deleted ones", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Append("a", Message{Kind: KindUser, Content: "x"}))
		require.NoError(t, s.Append("b", Message{Kind: KindUser, Content: "y"}))
		require.NoError(t, s.SaveActiveProvider("a", "openai"))

		sessions, err := s.List()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, sessions)

		require.NoError(t, s.Delete("a"))

		sessions, err = s.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, sessions)
		assert.Empty(t, s.ActiveProvider("a"))
	})
}

func TestCleanupSweep(t *testing.T) {
	t.Run("should delete sessions older than the cleanup age", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.Append("old", Message{Kind: KindUser, Content: "x"}))
		require.NoError(t, s.Append("fresh", Message{Kind: KindUser, Content: "y"}))

		past := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(s.sessionPath("old"), past, past))

		c := NewCleanup(s, 24*time.Hour)
		require.NoError(t, c.Sweep())

		sessions, err := s.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, sessions)
	})

	t.Run("should compact surviving oversized sessions", func(t *testing.T) {
		s := newTestStore(t)
		for i := 0; i < 20; i++ {
			require.NoError(t, s.Append("busy", Message{Kind: KindAgentThought, Content: "t"}))
		}

		c := NewCleanup(s, 24*time.Hour)
		c.maxMessages = 5
		require.NoError(t, c.Sweep())

		messages, err := s.Load("busy")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(messages), 6)
	})
}

func TestStorePaths(t *testing.T) {
	t.Run("should keep sessions under the configured directory", func(t *testing.T) {
		dir := t.TempDir()
		s, err := New(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "k.jsonl"), s.sessionPath("k"))
		assert.Equal(t, filepath.Join(dir, "k.meta.json"), s.metaPath("k"))
	})
}
