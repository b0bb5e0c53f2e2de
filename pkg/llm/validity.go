package llm

import "strings"

// ValidateResponse rejects responses that cannot be parsed downstream:
// empty bodies and output that was visibly cut off mid-generation. A
// rejected response is treated like a transient provider failure so the
// selector retries instead of feeding garbage to the parser.
func ValidateResponse(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	return !looksTruncated(trimmed)
}

// looksTruncated applies cheap structural checks for output that stopped
// before completion. False negatives are fine; the parser has its own
// recovery path.
func looksTruncated(text string) bool {
	// an odd number of fences means a code block was never closed
	if strings.Count(text, "```")%2 != 0 {
		return true
	}

	switch {
	case strings.HasSuffix(text, "\\"):
		return true
	case strings.HasSuffix(text, ","):
		return true
	}

	depth := 0
	inString := false
	escaped := false
	for _, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString && depth > 0 {
				depth--
			}
		}
	}
	return depth > 0
}
