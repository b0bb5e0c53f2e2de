package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/kestrel/pkg/llm"
	"github.com/harun/kestrel/pkg/session"
	"github.com/harun/kestrel/pkg/tools"
)

const defaultPreamble = `You are an autonomous agent working on a job. On every turn reply with a single fenced JSON block:

` + "```json" + `
{
  "thought": "your reasoning (optional)",
  "command": {"name": "tool name", "params": {}},
  "canvas": {"content": "rich content to display", "contentType": "markdown"},
  "answer": "final answer when the job is done"
}
` + "```" + `

Use exactly one of command, canvas or answer per turn. Call the finish tool or set answer when the job is complete.`

const truncationMarker = "... [truncated]"

// promptRenderer turns config, tools and history into LLM input
type promptRenderer struct {
	preamble       string
	workingContext string
	entryCap       int
}

// System renders the system prompt: preamble, working context, then the
// tool catalog
func (r *promptRenderer) System(defs []tools.Definition) string {
	var b strings.Builder
	b.WriteString(r.preamble)

	if r.workingContext != "" {
		b.WriteString("\n\n# Working Context\n\n")
		b.WriteString(r.workingContext)
	}

	b.WriteString("\n\n# Available Tools\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "\n- %s: %s\n", def.Name, def.Description)
		for _, param := range def.Parameters {
			required := ""
			if param.Required {
				required = " (required)"
			}
			fmt.Fprintf(&b, "  - %s (%s)%s: %s\n", param.Name, param.Type, required, param.Description)
		}
	}
	return b.String()
}

// Messages renders session history as role-tagged conversation turns
func (r *promptRenderer) Messages(history []session.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		role, content := r.renderEntry(msg)
		if content == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: role, Content: content})
	}
	return messages
}

// renderEntry maps a session message kind to an LLM role and a tagged
// text rendering
func (r *promptRenderer) renderEntry(msg session.Message) (role, content string) {
	switch msg.Kind {
	case session.KindUser:
		return "user", r.clip(msg.Content)
	case session.KindAgentResp:
		return "assistant", r.clip(msg.Content)
	case session.KindAgentThought:
		return "assistant", "Thought: " + r.clip(msg.Content)
	case session.KindAgentCanvas:
		return "assistant", "[canvas] " + r.clip(msg.Content)
	case session.KindToolCall:
		params := strings.TrimSpace(string(msg.Params))
		if params == "" {
			params = "{}"
		}
		return "assistant", fmt.Sprintf("Tool call: %s %s", msg.Tool, r.clip(params))
	case session.KindToolResult:
		return "user", fmt.Sprintf("Tool result (%s): %s", msg.Tool, r.clip(msg.Content))
	case session.KindError:
		return "user", "Error: " + r.clip(msg.Content)
	default:
		return "user", r.clip(msg.Content)
	}
}

// clip truncates an entry to the configured cap with a marker
func (r *promptRenderer) clip(content string) string {
	if r.entryCap <= 0 || len(content) <= r.entryCap {
		return content
	}
	return content[:r.entryCap] + truncationMarker
}

// renderOutput flattens a tool result payload for history
func renderOutput(output interface{}) string {
	switch v := output.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
