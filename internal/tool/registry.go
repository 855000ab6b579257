package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Registry maps tool names to definitions. Populated once at startup by the
// domain tool modules, then read-only, so no locking is needed afterwards.
type Registry struct {
	tools  map[string]Definition
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Definition),
		logger: logger,
	}
}

// Register adds a tool definition. Re-registering a name overwrites it.
func (r *Registry) Register(def Definition) {
	r.tools[def.Name] = def
}

// Get returns the definition for a name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.tools[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders the tool list for the system prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		def := r.tools[name]
		schema, _ := json.Marshal(def.InputSchema)
		fmt.Fprintf(&b, "- %s: %s\n  input schema: %s\n", def.Name, def.Description, schema)
	}
	return b.String()
}

// Execute runs the named tool. It never returns an error: an unknown name, a
// handler error, or a handler panic all become a failed Result so the loop
// can observe the failure and continue.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, rc RunContext) Result {
	def, ok := r.tools[name]
	if !ok {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("unknown tool %q; available tools: %s", name, strings.Join(r.Names(), ", ")),
		}
	}

	start := time.Now()
	output, err := r.run(ctx, def, input, rc)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		r.logger.Warn("tool: execution failed", "tool", name, "duration_ms", elapsed, "error", err)
		return Result{Success: false, Error: err.Error(), DurationMs: elapsed}
	}
	return Result{Success: true, Output: output, DurationMs: elapsed}
}

// run invokes the handler with panic containment.
func (r *Registry) run(ctx context.Context, def Definition, input json.RawMessage, rc RunContext) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", def.Name, rec)
		}
	}()
	return def.Handler(ctx, input, rc)
}
