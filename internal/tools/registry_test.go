package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func stubTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "stub",
		Execute: func(ctx context.Context, args json.RawMessage, rc *RunContext) Outcome {
			return Ok("done")
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("support", stubTool("echo")); err != nil {
		t.Fatal(err)
	}

	tool, ok := r.Get("support", "echo")
	if !ok || tool.Name != "echo" {
		t.Fatalf("expected to find echo, got %v %v", tool, ok)
	}
	if _, ok := r.Get("support", "missing"); ok {
		t.Fatal("unexpected hit for missing tool")
	}
	if _, ok := r.Get("other-agent", "echo"); ok {
		t.Fatal("tools must be scoped per agent")
	}
}

func TestRegistryReplaceSameName(t *testing.T) {
	r := NewRegistry()
	first := stubTool("echo")
	second := stubTool("echo")
	second.Description = "replacement"

	if err := r.Register("support", first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("support", second); err != nil {
		t.Fatal(err)
	}
	tool, _ := r.Get("support", "echo")
	if tool.Description != "replacement" {
		t.Fatal("re-registration should replace the tool")
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		name  string
		agent string
		tool  *Tool
	}{
		{"empty agent", "", stubTool("echo")},
		{"nil tool", "support", nil},
		{"empty name", "support", stubTool("")},
		{"oversized name", "support", stubTool(strings.Repeat("x", MaxNameLength+1))},
		{"no execute", "support", &Tool{Name: "broken"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.Register(tc.agent, tc.tool); err == nil {
				t.Fatal("expected a registration error")
			}
		})
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register("support", stubTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	got := r.List("support")
	if len(got) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(got))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, tool := range got {
		if tool.Name != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, tool.Name, want[i])
		}
	}
	if list := r.List("unknown-agent"); len(list) != 0 {
		t.Fatal("unknown agent should list no tools")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("support", stubTool("echo")); err != nil {
		t.Fatal(err)
	}
	r.Unregister("support", "echo")
	if _, ok := r.Get("support", "echo"); ok {
		t.Fatal("tool should be gone after unregister")
	}
	r.Unregister("support", "never-registered")
	r.Unregister("unknown-agent", "echo")
}
