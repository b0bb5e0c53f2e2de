package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// BuiltinOptions configures built-in tool registration
type BuiltinOptions struct {
	WorkspaceRoot string
}

// RegisterBuiltins registers the baseline tool set every agent gets
func RegisterBuiltins(registry *Registry, opts BuiltinOptions) error {
	todos := newTodoStore()

	defs := []Definition{
		finishTool(),
		lsTool(opts),
		todoTool(todos),
		canvasTool(),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func finishTool() Definition {
	return Definition{
		Name:        FinishToolName,
		Description: "Finish the job and deliver the final answer to the user.",
		Terminal:    true,
		Parameters: []Parameter{
			{Name: "answer", Type: "string", Description: "The final answer text", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, execCtx *ExecContext) (interface{}, error) {
			answer, _ := params["answer"].(string)
			if strings.TrimSpace(answer) == "" {
				return nil, fmt.Errorf("answer is required")
			}
			return answer, nil
		},
	}
}

func lsTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "ls",
		Description: "List files and directories in the workspace.",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Directory relative to the workspace root (default .)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, execCtx *ExecContext) (interface{}, error) {
			root := opts.WorkspaceRoot
			if execCtx != nil && execCtx.WorkingDir != "" {
				root = execCtx.WorkingDir
			}
			if root == "" {
				root = "."
			}

			rel, _ := params["path"].(string)
			target, err := resolveInRoot(root, rel)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", rel, err)
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)

			return map[string]interface{}{
				"path":    rel,
				"entries": names,
				"count":   len(names),
			}, nil
		},
	}
}

// todoStore holds per-session todo lists in memory
type todoStore struct {
	mu    sync.Mutex
	lists map[string][]todoItem
}

type todoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

func newTodoStore() *todoStore {
	return &todoStore{lists: make(map[string][]todoItem)}
}

func todoTool(store *todoStore) Definition {
	return Definition{
		Name:        "todo",
		Description: "Manage the session's todo list: add items, mark them done, or list them.",
		Parameters: []Parameter{
			{Name: "action", Type: "string", Description: "One of add, done, list", Required: true},
			{Name: "item", Type: "string", Description: "Item text (for add)", Required: false},
			{Name: "index", Type: "integer", Description: "1-based item index (for done)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, execCtx *ExecContext) (interface{}, error) {
			sessionKey := ""
			if execCtx != nil {
				sessionKey = execCtx.SessionKey
			}

			store.mu.Lock()
			defer store.mu.Unlock()
			list := store.lists[sessionKey]

			action, _ := params["action"].(string)
			switch action {
			case "add":
				item, _ := params["item"].(string)
				if strings.TrimSpace(item) == "" {
					return nil, fmt.Errorf("item is required for add")
				}
				list = append(list, todoItem{Text: item})
				store.lists[sessionKey] = list
				return map[string]interface{}{"added": item, "total": len(list)}, nil

			case "done":
				idx, ok := params["index"].(float64)
				if !ok || int(idx) < 1 || int(idx) > len(list) {
					return nil, fmt.Errorf("index must be between 1 and %d", len(list))
				}
				list[int(idx)-1].Done = true
				return map[string]interface{}{"done": list[int(idx)-1].Text}, nil

			case "list":
				return map[string]interface{}{"items": list, "total": len(list)}, nil

			default:
				return nil, fmt.Errorf("unknown action %q, expected add, done or list", action)
			}
		},
	}
}

func canvasTool() Definition {
	return Definition{
		Name:        "canvas",
		Description: "Display rich content to the user on the canvas.",
		Parameters: []Parameter{
			{Name: "content", Type: "string", Description: "Content to display", Required: true},
			{Name: "contentType", Type: "string", Description: "Content type (default markdown)", Required: false, Default: "markdown"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, execCtx *ExecContext) (interface{}, error) {
			content, _ := params["content"].(string)
			if content == "" {
				return nil, fmt.Errorf("content is required")
			}
			contentType, _ := params["contentType"].(string)
			if contentType == "" {
				contentType = "markdown"
			}

			execCtx.stream("agent_canvas_output", map[string]interface{}{
				"content":     content,
				"contentType": contentType,
			})

			return map[string]interface{}{
				"displayed":   true,
				"contentType": contentType,
			}, nil
		},
	}
}

// resolveInRoot joins rel onto root and rejects escapes
func resolveInRoot(root, rel string) (string, error) {
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(cleanRoot, filepath.Clean("/"+rel))
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return target, nil
}
