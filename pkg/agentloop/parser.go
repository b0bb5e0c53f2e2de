package agentloop

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Matcher reclassifies a plain-text reply into a structured shape.
// A nil return declines the text and the next matcher is tried.
type Matcher func(text string) *Parsed

// Parser turns raw model output into a Parsed response. Strict fenced
// JSON is tried first; failing that, the recovery matchers run in order
// and the first match wins.
type Parser struct {
	matchers []Matcher
}

// NewParser creates a parser with the given recovery matchers; with no
// arguments the default matcher chain is used
func NewParser(matchers ...Matcher) *Parser {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Parser{matchers: matchers}
}

// Parse extracts a structured response. The second return is false when
// neither strict parsing nor recovery produced anything usable.
func (p *Parser) Parse(raw string) (*Parsed, bool) {
	if parsed := parseStrict(raw); parsed != nil {
		return parsed, true
	}

	text := strings.TrimSpace(raw)
	for _, match := range p.matchers {
		if parsed := match(text); parsed != nil {
			return parsed, true
		}
	}
	return nil, false
}

// parseStrict tries a fenced JSON block first, then the raw text as
// JSON. Only objects carrying at least one known field count.
func parseStrict(raw string) *Parsed {
	candidates := []string{}
	for _, m := range fencedBlockRe.FindAllStringSubmatch(raw, -1) {
		candidates = append(candidates, m[1])
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		candidates = append(candidates, trimmed)
	}

	for _, candidate := range candidates {
		var parsed Parsed
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		if parsed.Command != nil && parsed.Command.Name == "" {
			parsed.Command = nil
		}
		if parsed.Canvas != nil && parsed.Canvas.Content == "" {
			parsed.Canvas = nil
		}
		if parsed.empty() {
			continue
		}
		return &parsed
	}
	return nil
}

func (p *Parsed) empty() bool {
	return p.Thought == "" && p.Command == nil && p.Canvas == nil && p.Answer == ""
}

// DefaultMatchers is the standard recovery chain: answers, todo-list
// phrasing, display requests, then plain thoughts.
func DefaultMatchers() []Matcher {
	return []Matcher{MatchAnswer, MatchTodo, MatchCanvas, MatchThought}
}

// MatchAnswer catches replies that read like a final answer
func MatchAnswer(text string) *Parsed {
	lower := strings.ToLower(text)
	for _, marker := range []string{"final answer", "the answer is", "in summary", "to summarize"} {
		if strings.Contains(lower, marker) {
			return &Parsed{Answer: text}
		}
	}
	if strings.HasPrefix(lower, "answer:") {
		return &Parsed{Answer: strings.TrimSpace(text[len("answer:"):])}
	}
	return nil
}

// MatchTodo catches todo-list creation phrasing and turns it into a
// todo tool call
func MatchTodo(text string) *Parsed {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "todo") && !strings.Contains(lower, "task list") {
		return nil
	}
	for _, verb := range []string{"add", "create", "make", "put"} {
		if strings.Contains(lower, verb) {
			return &Parsed{Command: &Command{
				Name:   "todo",
				Params: map[string]interface{}{"action": "add", "item": text},
			}}
		}
	}
	return nil
}

// MatchCanvas catches display/show phrasing
func MatchCanvas(text string) *Parsed {
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "show") || strings.HasPrefix(lower, "display") ||
		strings.Contains(lower, "on the canvas") {
		return &Parsed{Canvas: &Canvas{Content: text, ContentType: "markdown"}}
	}
	return nil
}

// MatchThought accepts natural-language prose as a thought. Structured
// fragments (braces, fences) are declined so genuinely malformed JSON
// still counts against the malformed budget.
func MatchThought(text string) *Parsed {
	if text == "" {
		return nil
	}
	if strings.ContainsAny(text, "{}") || strings.Contains(text, "```") {
		return nil
	}
	if len(strings.Fields(text)) < 3 {
		return nil
	}
	return &Parsed{Thought: text}
}
