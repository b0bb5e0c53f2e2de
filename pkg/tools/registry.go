package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/kestrel/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// FinishToolName is the terminal tool the model calls to end a job
const FinishToolName = "finish"

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, params map[string]interface{}, execCtx *ExecContext) (interface{}, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`

	// Terminal marks a tool whose successful output is the job's final
	// answer (the finish tool)
	Terminal bool `json:"terminal,omitempty"`

	// Source names where a hot-reloaded definition came from; empty for
	// built-in tools
	Source string `json:"-"`
}

// ExecContext provides runtime information for tool execution
type ExecContext struct {
	JobID      string
	SessionKey string
	WorkingDir string
	Timeout    time.Duration

	// Progress reports a human-readable progress note to the job
	Progress func(note string)

	// Stream publishes an intermediate payload to the job's event channel
	Stream func(eventType string, payload interface{})

	Logger zerolog.Logger
}

// progress reports when a reporter is wired
func (ec *ExecContext) progress(note string) {
	if ec != nil && ec.Progress != nil {
		ec.Progress(note)
	}
}

// stream publishes when a sink is wired
func (ec *ExecContext) stream(eventType string, payload interface{}) {
	if ec != nil && ec.Stream != nil {
		ec.Stream(eventType, payload)
	}
}

// Result represents the outcome of one tool execution
type Result struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// Finished is set when a terminal tool ran successfully; FinalAnswer
	// carries the answer text
	Finished    bool   `json:"finished,omitempty"`
	FinalAnswer string `json:"finalAnswer,omitempty"`
}

// Registry manages and executes tools
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds or replaces a tool definition
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to build schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool by name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool definition by name
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all registered tools sorted by name
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ReplaceSource swaps every tool registered from one source for a new
// set, atomically under the registry lock. Used by the manifest watcher.
func (r *Registry) ReplaceSource(source string, defs []Definition) error {
	schemas := make(map[string]*gojsonschema.Schema, len(defs))
	for _, def := range defs {
		if err := validateDefinition(def); err != nil {
			return err
		}
		schema, err := generateJSONSchema(def)
		if err != nil {
			return fmt.Errorf("failed to build schema for %s: %w", def.Name, err)
		}
		schemas[def.Name] = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, def := range r.tools {
		if def.Source == source {
			delete(r.tools, name)
			delete(r.schemas, name)
		}
	}
	for i := range defs {
		def := defs[i]
		def.Source = source
		r.tools[def.Name] = &def
		r.schemas[def.Name] = schemas[def.Name]
	}
	return nil
}

// Execute runs a tool with validated parameters. Failures come back as
// an unsuccessful Result rather than an error so the agent loop can
// feed them to the model as corrective context.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, execCtx *ExecContext) Result {
	start := time.Now()

	r.mu.RLock()
	tool := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", name).Msg("Tool not found")
		observability.RecordToolExecution(name, time.Since(start), false)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", name),
		}
	}

	if err := validateParameters(schema, params); err != nil {
		log.Error().Str("tool", name).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(name, time.Since(start), false)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
		}
	}

	timeout := 30 * time.Second
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)
	go func() {
		output, err := tool.Handler(timeoutCtx, params, execCtx)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		duration := time.Since(start)
		observability.RecordToolExecution(name, duration, true)

		truncated := false
		if !tool.Terminal {
			output, truncated = truncateOutput(output)
		}

		result := Result{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata:  map[string]interface{}{"duration": duration.Milliseconds()},
		}
		if tool.Terminal {
			result.Finished = true
			result.FinalAnswer = fmt.Sprintf("%v", output)
		}
		return result

	case err := <-errChan:
		duration := time.Since(start)
		observability.RecordToolExecution(name, duration, false)
		log.Error().Str("tool", name).Dur("duration", duration).Err(err).Msg("Tool execution failed")
		return Result{
			Success:  false,
			Error:    err.Error(),
			Metadata: map[string]interface{}{"duration": duration.Milliseconds()},
		}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		observability.RecordToolExecution(name, duration, false)
		log.Error().Str("tool", name).Dur("duration", duration).Msg("Tool execution timeout")
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("tool execution timeout after %v", timeout),
			Metadata: map[string]interface{}{"duration": duration.Milliseconds()},
		}
	}
}

// validateDefinition validates a tool definition
func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}
	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func generateJSONSchema(def Definition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		problems := []string{}
		for _, verr := range result.Errors() {
			problems = append(problems, verr.String())
		}
		return fmt.Errorf("validation errors: %v", problems)
	}
	return nil
}

// truncateOutput truncates output if it exceeds the size limit
func truncateOutput(output interface{}) (interface{}, bool) {
	const maxSize = 10 * 1024

	str := fmt.Sprintf("%v", output)
	if len(str) <= maxSize {
		return output, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxSize).
		Msg("Tool output truncated")
	return str[:maxSize] + "\n... [output truncated]", true
}
