// Package tools defines the capability registry the agent loop calls
// into: named operations with parameter schemas and handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// ResultKind declares the shape of a tool's payload so downstream
// stages can summarize results without inspecting them.
type ResultKind string

const (
	KindGeneric        ResultKind = "generic"
	KindEvents         ResultKind = "events"          // A list of calendar events
	KindStatistics     ResultKind = "statistics"      // Aggregated numbers
	KindRoutineSummary ResultKind = "routine_summary" // Recurring routine overview
)

// Handler executes a tool with validated arguments and returns a
// JSON-serializable payload.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Tags group tools into capability subsets (see [Registry.WithTags]).
	Tags []string `json:"tags,omitempty"`

	// ResultKind is the declared kind of every payload this tool returns.
	// Empty means [KindGeneric].
	ResultKind ResultKind `json:"result_kind,omitempty"`

	// CallerFields lists argument names only the caller may set, e.g.
	// "user_id". They are hidden from the model's schema.
	CallerFields []string `json:"-"`

	Handler Handler `json:"-"`
}

// Kind returns the tool's declared result kind.
func (t *Tool) Kind() ResultKind {
	if t.ResultKind == "" {
		return KindGeneric
	}
	return t.ResultKind
}

// InjectCallerFields returns a copy of args with every declared caller
// field set from caller. A value the model sent for a caller field is
// discarded, and stays absent when the caller has none.
func (t *Tool) InjectCallerFields(args map[string]any, caller map[string]string) map[string]any {
	out := make(map[string]any, len(args)+len(t.CallerFields))
	for k, v := range args {
		out[k] = v
	}
	for _, field := range t.CallerFields {
		delete(out, field)
		if val := caller[field]; val != "" {
			out[field] = val
		}
	}
	return out
}

// modelParameters is the parameter schema shown to the model: caller
// fields are removed from properties and required.
func (t *Tool) modelParameters() map[string]any {
	if t.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if len(t.CallerFields) == 0 {
		return t.Parameters
	}

	hidden := make(map[string]bool, len(t.CallerFields))
	for _, f := range t.CallerFields {
		hidden[f] = true
	}

	out := make(map[string]any, len(t.Parameters))
	for k, v := range t.Parameters {
		out[k] = v
	}
	if props, ok := t.Parameters["properties"].(map[string]any); ok {
		kept := make(map[string]any, len(props))
		for name, p := range props {
			if !hidden[name] {
				kept[name] = p
			}
		}
		out["properties"] = kept
	}
	if req, ok := t.Parameters["required"].([]string); ok {
		kept := make([]string, 0, len(req))
		for _, name := range req {
			if !hidden[name] {
				kept = append(kept, name)
			}
		}
		out["required"] = kept
	}
	return out
}

// Result is the outcome of one tool call, correlated to the request
// that produced it.
type Result struct {
	CallID  string     `json:"call_id"`
	Name    string     `json:"name"`
	Success bool       `json:"success"`
	Kind    ResultKind `json:"kind"`
	Payload any        `json:"payload,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Content renders the result as the text of a tool-result message.
func (r Result) Content() string {
	body := map[string]any{"success": r.Success}
	if r.Success {
		body["result"] = r.Payload
	} else {
		body["error"] = r.Error
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, "unserializable result: "+err.Error())
	}
	return string(data)
}

// Registry holds available tools. Register is not safe for concurrent
// use with lookups; build the registry before serving requests.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Empty and duplicate names are
// rejected.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Resolve retrieves a tool by name, returning [*ErrToolUnavailable]
// when it is absent.
func (r *Registry) Resolve(name string) (*Tool, error) {
	t := r.tools[name]
	if t == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	return t, nil
}

// AllToolNames returns the names of every registered tool, sorted.
func (r *Registry) AllToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Schemas returns tool definitions in the function-calling format the
// model expects, sorted by name.
func (r *Registry) Schemas() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.AllToolNames() {
		t := r.tools[name]
		params := t.modelParameters()
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// FilteredCopy returns a registry holding only the named tools. Unknown
// names are skipped. The source registry is not modified.
func (r *Registry) FilteredCopy(names []string) *Registry {
	out := NewRegistry()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out.tools[name] = t
		}
	}
	return out
}

// FilteredCopyExcluding returns a registry holding every tool except
// the named ones.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	out := NewRegistry()
	for name, t := range r.tools {
		if !slices.Contains(exclude, name) {
			out.tools[name] = t
		}
	}
	return out
}

// WithTags returns a registry holding tools that carry at least one of
// the given tags. No tags returns a copy of the whole registry.
func (r *Registry) WithTags(tags []string) *Registry {
	if len(tags) == 0 {
		return r.FilteredCopyExcluding(nil)
	}
	out := NewRegistry()
	for name, t := range r.tools {
		for _, tag := range t.Tags {
			if slices.Contains(tags, tag) {
				out.tools[name] = t
				break
			}
		}
	}
	return out
}

// Execute validates args against the tool's parameter schema and runs
// it. Absent tools return [*ErrToolUnavailable]; validation and handler
// failures return [*ExecutionError].
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	t, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := Validate(args, t.Parameters); err != nil {
		return nil, &ExecutionError{ToolName: name, Err: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
	}

	payload, err := t.Handler(ctx, args)
	if err != nil {
		return nil, &ExecutionError{ToolName: name, Err: err}
	}
	return payload, nil
}

// Invoke executes one call and folds any failure into the returned
// [Result]. It never returns an error: unknown tools, invalid
// arguments, and handler failures all become Success=false.
func (r *Registry) Invoke(ctx context.Context, callID, name string, args map[string]any) Result {
	res := Result{CallID: callID, Name: name, Kind: KindGeneric}
	if t := r.tools[name]; t != nil {
		res.Kind = t.Kind()
	}

	payload, err := r.Execute(ctx, name, args)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Payload = payload
	return res
}
