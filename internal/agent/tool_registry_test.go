package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestToolRegistry_RegisterAndResolve(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	tool, err := r.Resolve("echo")
	if err != nil || tool.Name() != "echo" {
		t.Fatalf("Resolve() = %v, %v", tool, err)
	}
	if _, err := r.Resolve("missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Resolve(missing) error = %v", err)
	}
}

func TestToolRegistry_RejectsBadTools(t *testing.T) {
	r := NewToolRegistry()
	_ = r.Register(echoTool("echo"))

	tests := []struct {
		name string
		tool Tool
		want string
	}{
		{"nil", nil, "nil tool"},
		{"duplicate", echoTool("echo"), "duplicate"},
		{"empty name", echoTool(""), "name must be"},
		{"bad characters", echoTool("search docs"), "name must be"},
		{"too long", echoTool(strings.Repeat("a", MaxToolNameLength+1)), "name must be"},
		{"bad schema", &ToolFunc{ToolName: "broken", ToolSchema: json.RawMessage(`{"type":12}`)}, "compile schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.tool)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Register() error = %v, want containing %q", err, tt.want)
			}
		})
	}
	if !errors.Is(r.Register(echoTool("echo")), ErrDuplicateTool) {
		t.Error("duplicate registration should wrap ErrDuplicateTool")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestToolRegistry_OrderAndSubset(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(echoTool("c"), echoTool("a"), echoTool("b"))

	if got := strings.Join(r.Names(), ","); got != "c,a,b" {
		t.Errorf("Names() = %s, want registration order", got)
	}
	sub, err := r.Subset("b", "c", "b")
	if err != nil {
		t.Fatalf("Subset() error = %v", err)
	}
	if got := strings.Join(sub.Names(), ","); got != "b,c" {
		t.Errorf("Subset().Names() = %s", got)
	}
	if _, err := r.Subset("zzz"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Subset(unknown) error = %v", err)
	}
}

func TestToolRegistry_Describe(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(echoTool("echo"), &ToolFunc{ToolName: "bare", ToolDescription: "no schema"})

	infos := r.Describe()
	if len(infos) != 2 {
		t.Fatalf("Describe() = %d entries", len(infos))
	}
	params, ok := infos[0].Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("echo parameters = %#v", infos[0].Parameters)
	}
	bare := infos[1].Parameters.(map[string]any)
	if bare["type"] != "object" {
		t.Errorf("missing schema should be described as an empty object, got %#v", bare)
	}
}

func TestToolRegistry_MustRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustRegister should panic on a duplicate")
		}
	}()
	r := NewToolRegistry()
	r.MustRegister(echoTool("x"), echoTool("x"))
}

func TestToolRegistry_Concurrent(t *testing.T) {
	r := NewToolRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(echoTool("tool_" + string(rune('a'+i))))
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List()
			_, _ = r.Resolve("tool_a")
		}()
	}
	wg.Wait()
	if r.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", r.Len())
	}
}
