package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrict(t *testing.T) {
	t.Run("should parse a fenced json block", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse("Here you go:\n```json\n{\"thought\": \"checking files\", \"command\": {\"name\": \"ls\", \"params\": {\"path\": \".\"}}}\n```")

		require.True(t, ok)
		assert.Equal(t, "checking files", parsed.Thought)
		require.NotNil(t, parsed.Command)
		assert.Equal(t, "ls", parsed.Command.Name)
		assert.Equal(t, ".", parsed.Command.Params["path"])
	})

	t.Run("should parse bare json without fences", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse(`{"answer": "42"}`)
		require.True(t, ok)
		assert.Equal(t, "42", parsed.Answer)
	})

	t.Run("should parse an unfenced code block without the json tag", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse("```\n{\"canvas\": {\"content\": \"# hi\", \"contentType\": \"markdown\"}}\n```")
		require.True(t, ok)
		require.NotNil(t, parsed.Canvas)
		assert.Equal(t, "# hi", parsed.Canvas.Content)
	})

	t.Run("should drop commands without a name", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse(`{"thought": "hm", "command": {"params": {}}}`)
		require.True(t, ok)
		assert.Nil(t, parsed.Command)
		assert.Equal(t, "hm", parsed.Thought)
	})

	t.Run("should reject json with no known fields", func(t *testing.T) {
		p := NewParser()
		_, ok := p.Parse(`{"foo": "bar"}`)
		assert.False(t, ok)
	})
}

func TestParseRecovery(t *testing.T) {
	t.Run("should recover answer-like prose", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse("The answer is that the deploy finished at noon.")
		require.True(t, ok)
		assert.NotEmpty(t, parsed.Answer)
	})

	t.Run("should recover answer prefix", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse("Answer: four files were changed")
		require.True(t, ok)
		assert.Equal(t, "four files were changed", parsed.Answer)
	})

	t.Run("should recover todo phrasing into a todo command", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse("I will add reviewing the logs to my todo list")
		require.True(t, ok)
		require.NotNil(t, parsed.Command)
		assert.Equal(t, "todo", parsed.Command.Name)
		assert.Equal(t, "add", parsed.Command.Params["action"])
	})

	t.Run("should recover display phrasing into a canvas", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse("Display the following summary to the user")
		require.True(t, ok)
		require.NotNil(t, parsed.Canvas)
	})

	t.Run("should recover plain prose as a thought", func(t *testing.T) {
		p := NewParser()
		parsed, ok := p.Parse("I need to look at the directory contents first.")
		require.True(t, ok)
		assert.NotEmpty(t, parsed.Thought)
	})

	t.Run("should not recover broken json fragments", func(t *testing.T) {
		p := NewParser()
		_, ok := p.Parse(`{"thought": "unterminated`)
		assert.False(t, ok)
	})

	t.Run("should respect matcher order, first match wins", func(t *testing.T) {
		grab := func(text string) *Parsed { return &Parsed{Answer: "grabbed"} }
		p := NewParser(grab, MatchThought)

		parsed, ok := p.Parse("anything at all here")
		require.True(t, ok)
		assert.Equal(t, "grabbed", parsed.Answer)
	})

	t.Run("should fail when every matcher declines", func(t *testing.T) {
		decline := func(text string) *Parsed { return nil }
		p := NewParser(decline)
		_, ok := p.Parse("some text")
		assert.False(t, ok)
	})
}
