package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegister_Rejects(t *testing.T) {
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	tests := []struct {
		name string
		tool *Tool
	}{
		{name: "nil", tool: nil},
		{name: "empty name", tool: &Tool{Handler: noop}},
		{name: "nil handler", tool: &Tool{Name: "x"}},
		{name: "duplicate", tool: &Tool{Name: "alpha", Handler: noop}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			if err := r.Register(tt.tool); err == nil {
				t.Error("Register() succeeded, want error")
			}
			if r.Len() != 3 {
				t.Errorf("Len() = %d after rejected Register, want 3", r.Len())
			}
		})
	}
}

func TestSchemas_SortedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&Tool{Name: name, Handler: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }}); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, s := range r.Schemas() {
		if s["type"] != "function" {
			t.Errorf("schema type = %v, want function", s["type"])
		}
		fn := s["function"].(map[string]any)
		got = append(got, fn["name"].(string))
		if _, ok := fn["parameters"].(map[string]any); !ok {
			t.Errorf("schema %v has no parameters object", fn["name"])
		}
	}
	if diff := cmp.Diff([]string{"alpha", "mid", "zeta"}, got); diff != "" {
		t.Errorf("Schemas() order mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemas_HideCallerFields(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{"type": "string"},
			"key":     map[string]any{"type": "string"},
		},
		"required": []string{"user_id", "key"},
	}
	r := NewRegistry()
	if err := r.Register(&Tool{
		Name:         "remember",
		Parameters:   params,
		CallerFields: []string{"user_id"},
		Handler:      func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	}); err != nil {
		t.Fatal(err)
	}

	fn := r.Schemas()[0]["function"].(map[string]any)
	got := fn["parameters"].(map[string]any)
	want := map[string]any{
		"type":       "object",
		"properties": map[string]any{"key": map[string]any{"type": "string"}},
		"required":   []string{"key"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exported parameters mismatch (-want +got):\n%s", diff)
	}
	if _, ok := params["properties"].(map[string]any)["user_id"]; !ok {
		t.Error("registered parameters were mutated")
	}
}

func TestInjectCallerFields(t *testing.T) {
	tool := &Tool{Name: "get_preferences", CallerFields: []string{"user_id"}}
	caller := map[string]string{"user_id": "u-42", "conversation_id": "c-1"}

	tests := []struct {
		name string
		args map[string]any
		want map[string]any
	}{
		{name: "omitted", args: map[string]any{"category": "habit"}, want: map[string]any{"category": "habit", "user_id": "u-42"}},
		{name: "empty string", args: map[string]any{"user_id": ""}, want: map[string]any{"user_id": "u-42"}},
		{name: "model supplied is overridden", args: map[string]any{"user_id": "other"}, want: map[string]any{"user_id": "u-42"}},
		{name: "nil args", args: nil, want: map[string]any{"user_id": "u-42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tool.InjectCallerFields(tt.args, caller)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("InjectCallerFields() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("model value dropped without caller value", func(t *testing.T) {
		got := tool.InjectCallerFields(map[string]any{"user_id": "other", "key": "k"}, map[string]string{})
		if diff := cmp.Diff(map[string]any{"key": "k"}, got); diff != "" {
			t.Errorf("InjectCallerFields() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("undeclared fields not injected", func(t *testing.T) {
		got := tool.InjectCallerFields(nil, caller)
		if _, ok := got["conversation_id"]; ok {
			t.Error("conversation_id injected without being declared")
		}
	})

	t.Run("source args untouched", func(t *testing.T) {
		args := map[string]any{}
		tool.InjectCallerFields(args, caller)
		if len(args) != 0 {
			t.Errorf("source args mutated: %v", args)
		}
	})
}

func TestInvoke(t *testing.T) {
	r := NewRegistry()
	mustRegister := func(tool *Tool) {
		t.Helper()
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	mustRegister(&Tool{
		Name:       "list_events",
		ResultKind: KindEvents,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"day": map[string]any{"type": "string"}},
			"required":   []string{"day"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return []any{map[string]any{"title": "Standup", "day": args["day"]}}, nil
		},
	})
	mustRegister(&Tool{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend down")
		},
	})

	tests := []struct {
		name        string
		tool        string
		args        map[string]any
		wantSuccess bool
		wantKind    ResultKind
	}{
		{name: "success", tool: "list_events", args: map[string]any{"day": "today"}, wantSuccess: true, wantKind: KindEvents},
		{name: "invalid arguments", tool: "list_events", args: map[string]any{}, wantKind: KindEvents},
		{name: "handler failure", tool: "broken", wantKind: KindGeneric},
		{name: "unknown tool", tool: "teleport", wantKind: KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Invoke(context.Background(), "call_1", tt.tool, tt.args)
			if res.CallID != "call_1" || res.Name != tt.tool {
				t.Errorf("Invoke() correlation = (%q, %q), want (call_1, %q)", res.CallID, res.Name, tt.tool)
			}
			if res.Success != tt.wantSuccess {
				t.Errorf("Invoke().Success = %v, want %v (error %q)", res.Success, tt.wantSuccess, res.Error)
			}
			if res.Kind != tt.wantKind {
				t.Errorf("Invoke().Kind = %q, want %q", res.Kind, tt.wantKind)
			}
			if !tt.wantSuccess && res.Error == "" {
				t.Error("failed Invoke() carries no error description")
			}

			var body map[string]any
			if err := json.Unmarshal([]byte(res.Content()), &body); err != nil {
				t.Fatalf("Content() is not JSON: %v", err)
			}
			if body["success"] != tt.wantSuccess {
				t.Errorf("Content() success = %v, want %v", body["success"], tt.wantSuccess)
			}
		})
	}
}

func TestExecute_ErrorTypes(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Execute(context.Background(), "missing", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Errorf("Execute(missing) error = %v, want *ErrToolUnavailable", err)
	}

	if err := r.Register(&Tool{
		Name:       "typed",
		Parameters: map[string]any{"properties": map[string]any{"n": map[string]any{"type": "integer"}}},
		Handler:    func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	}); err != nil {
		t.Fatal(err)
	}
	_, err = r.Execute(context.Background(), "typed", map[string]any{"n": "three"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Execute(typed) error = %v, want ExecutionError wrapping ErrInvalidArguments", err)
	}
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	if got := ConversationIDFromContext(ctx); got != "default" {
		t.Errorf("ConversationIDFromContext(empty) = %q, want default", got)
	}
	if got := UserIDFromContext(ctx); got != "" {
		t.Errorf("UserIDFromContext(empty) = %q, want empty", got)
	}

	ctx = WithUserID(WithConversationID(ctx, "c-9"), "u-9")
	if got := ConversationIDFromContext(ctx); got != "c-9" {
		t.Errorf("ConversationIDFromContext() = %q, want c-9", got)
	}
	if got := UserIDFromContext(ctx); got != "u-9" {
		t.Errorf("UserIDFromContext() = %q, want u-9", got)
	}
}
