package runner_test

import (
	"encoding/json"
	"testing"

	"gradeflow/internal/grading/runner"
)

func TestResolvePath(t *testing.T) {
	t.Parallel()
	ctx := runner.NewContext()
	ctx.Set("id", json.Number("42"))
	ctx.Set("slug", "hello")

	tests := []struct {
		name     string
		template string
		params   map[string]interface{}
		want     string
		wantErr  string
	}{
		{name: "no params", template: "/tasks", want: "/tasks"},
		{name: "literal number", template: "/tasks/{id}", params: map[string]interface{}{"id": json.Number("99999")}, want: "/tasks/99999"},
		{name: "literal string", template: "/tasks/{id}", params: map[string]interface{}{"id": "abc"}, want: "/tasks/abc"},
		{name: "repeated placeholder", template: "/{id}/x/{id}", params: map[string]interface{}{"id": "a"}, want: "/a/x/a"},
		{name: "context reference", template: "/tasks/{id}", params: map[string]interface{}{"id": "{{context.id}}"}, want: "/tasks/42"},
		{name: "context string", template: "/posts/{slug}", params: map[string]interface{}{"slug": "{{context.slug}}"}, want: "/posts/hello"},
		{
			name:     "missing context key",
			template: "/tasks/{id}",
			params:   map[string]interface{}{"id": "{{context.task_id}}"},
			wantErr:  "Test failed: Context variable 'task_id' not found for path parameter.",
		},
		{
			name:     "invalid reference",
			template: "/tasks/{id}",
			params:   map[string]interface{}{"id": "{{ctx.id}}"},
			wantErr:  "Test failed: Invalid context variable format '{{ctx.id}}'.",
		},
		{name: "bool literal", template: "/flags/{on}", params: map[string]interface{}{"on": true}, want: "/flags/true"},
		{name: "unknown placeholder left", template: "/tasks/{other}", params: map[string]interface{}{"id": "1"}, want: "/tasks/{other}"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := runner.ResolvePath(tt.template, tt.params, ctx)
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("expected error %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolvePathIsNotRecursive(t *testing.T) {
	t.Parallel()
	params := map[string]interface{}{"a": "x", "b": "{a}"}
	got, err := runner.ResolvePath("/{b}", params, runner.NewContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/{a}" {
		t.Fatalf("expected substituted value left untouched, got %q", got)
	}
}

func TestStringify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, "null"},
		{"s", "s"},
		{json.Number("3.50"), "3.50"},
		{false, "false"},
		{42, "42"},
		{1.5, "1.5"},
		{map[string]interface{}{"k": "v"}, `{"k":"v"}`},
		{[]interface{}{json.Number("1"), "a"}, `[1,"a"]`},
	}
	for _, c := range cases {
		if got := runner.Stringify(c.in); got != c.want {
			t.Fatalf("Stringify(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
