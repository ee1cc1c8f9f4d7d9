package runtime

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		ctx      Context
		expected string
	}{
		{
			name:     "plain substitution",
			template: "/api/?key={{ api_key }}",
			ctx:      Context{"api_key": "secret"},
			expected: "/api/?key=secret",
		},
		{
			name:     "missing variable renders empty",
			template: "host={{ hostname }};",
			ctx:      Context{},
			expected: "host=;",
		},
		{
			name:     "no placeholders",
			template: "static text",
			ctx:      Context{"unused": 1},
			expected: "static text",
		},
		{
			name:     "b64encode filter",
			template: "{{ value | b64encode }}",
			ctx:      Context{"value": "user:password"},
			expected: "dXNlcjpwYXNzd29yZA==",
		},
		{
			name:     "b64decode filter",
			template: "{{ value | b64decode }}",
			ctx:      Context{"value": "dXNlcjpwYXNzd29yZA=="},
			expected: "user:password",
		},
		{
			name:     "base64 round trip",
			template: "{{ value | b64encode | b64decode }}",
			ctx:      Context{"value": "bytes?with/url+unsafe=chars"},
			expected: "bytes?with/url+unsafe=chars",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Render(tt.template, tt.ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out != tt.expected {
				t.Errorf("got %q, want %q", out, tt.expected)
			}
		})
	}
}

func TestRenderHashFilters(t *testing.T) {
	tests := []struct {
		filter string
		prefix string
	}{
		{"md5_hash", "$1$"},
		{"sha256_hash", "$5$"},
		{"sha512_hash", "$6$"},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			out, err := Render("{{ password | "+tt.filter+" }}", Context{"password": "admin"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.HasPrefix(out, tt.prefix) {
				t.Errorf("got %q, want crypt digest with prefix %q", out, tt.prefix)
			}
		})
	}
}

func TestRenderSyntaxError(t *testing.T) {
	_, err := Render("{{ unclosed", Context{})
	if err == nil {
		t.Fatal("expected error for broken template")
	}
	var terr *TemplateError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TemplateError, got %T", err)
	}
}

func TestRenderBadBase64(t *testing.T) {
	_, err := Render("{{ value | b64decode }}", Context{"value": "!!not-base64!!"})
	if err == nil {
		t.Fatal("expected error for invalid base64 input")
	}
	var eerr *EncodingError
	if !errors.As(err, &eerr) {
		t.Fatalf("expected wrapped EncodingError, got %T: %v", err, err)
	}
}

func TestRenderParams(t *testing.T) {
	params := map[string]any{
		"path": "/devices/{{ hostname }}",
		"headers": map[string]any{
			"X-Key": "{{ api_key }}",
		},
		"tags":  []any{"{{ hostname }}", "static"},
		"count": 3,
	}

	rendered, err := RenderParams(params, Context{"hostname": "fw1", "api_key": "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := map[string]any{
		"path": "/devices/fw1",
		"headers": map[string]any{
			"X-Key": "k",
		},
		"tags":  []any{"fw1", "static"},
		"count": 3,
	}
	if !reflect.DeepEqual(rendered, expected) {
		t.Errorf("got %v, want %v", rendered, expected)
	}
}

func TestRenderParamsDoesNotMutateInput(t *testing.T) {
	params := map[string]any{"path": "{{ x }}"}
	if _, err := RenderParams(params, Context{"x": "v"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["path"] != "{{ x }}" {
		t.Errorf("input params mutated: %v", params)
	}
}
