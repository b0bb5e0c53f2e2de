package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateResponse(t *testing.T) {
	t.Run("should reject empty and whitespace-only output", func(t *testing.T) {
		assert.False(t, ValidateResponse(""))
		assert.False(t, ValidateResponse("   \n\t  "))
	})

	t.Run("should accept ordinary prose", func(t *testing.T) {
		assert.True(t, ValidateResponse("The answer is 42."))
	})

	t.Run("should accept a complete fenced block", func(t *testing.T) {
		assert.True(t, ValidateResponse("```json\n{\"answer\": \"done\"}\n```"))
	})

	t.Run("should reject an unclosed fence", func(t *testing.T) {
		assert.False(t, ValidateResponse("```json\n{\"thought\": \"hm\"}"))
	})

	t.Run("should reject trailing comma or backslash", func(t *testing.T) {
		assert.False(t, ValidateResponse(`{"thought": "a",`))
		assert.False(t, ValidateResponse(`{"thought": "a\`))
	})

	t.Run("should reject unbalanced brackets", func(t *testing.T) {
		assert.False(t, ValidateResponse(`{"command": {"name": "ls"`))
		assert.False(t, ValidateResponse(`["one", "two"`))
	})

	t.Run("should not count brackets inside strings", func(t *testing.T) {
		assert.True(t, ValidateResponse(`{"answer": "use the { character"}`))
	})
}

func TestEstimateTokens(t *testing.T) {
	t.Run("should approximate four characters per token", func(t *testing.T) {
		assert.Equal(t, 0, EstimateTokens(""))
		assert.Equal(t, 1, EstimateTokens("abcd"))
		assert.Equal(t, 2, EstimateTokens("abcdefgh"))
		assert.Equal(t, 3, EstimateTokens("abcdefghi"))
	})
}
