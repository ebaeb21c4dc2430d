package agent

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name accepted by every
	// supported vendor.
	MaxToolNameLength = 64

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
//
// A registry is constructed by whatever composes the process and injected into
// the Orchestrator; there is no package-level registry. Tools are immutable
// once registered and their parameter schemas are compiled at registration.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]registeredTool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]registeredTool),
	}
}

// Register adds a tool to the registry.
// It fails with ErrDuplicateTool if the name is already registered and with a
// descriptive error if the name or schema is unusable.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register tool: nil tool")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength || !toolNamePattern.MatchString(name) {
		return fmt.Errorf("register tool %q: name must be 1-%d characters of [a-zA-Z0-9_-]", name, MaxToolNameLength)
	}

	schema, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("register tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register tool %q: %w", name, ErrDuplicateTool)
	}
	r.tools[name] = registeredTool{tool: tool, schema: schema}
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register for static tool sets assembled at startup.
func (r *ToolRegistry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the tool registered under name, or ErrToolNotFound.
func (r *ToolRegistry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return entry.tool, nil
}

func (r *ToolRegistry) resolveEntry(name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	return entry, ok
}

// List returns the registered tools in registration order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subset returns a new registry holding only the named tools, in the order
// given. Unknown names are reported as ErrToolNotFound.
func (r *ToolRegistry) Subset(names ...string) (*ToolRegistry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := NewToolRegistry()
	for _, name := range names {
		entry, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		if _, dup := sub.tools[name]; dup {
			continue
		}
		sub.tools[name] = entry
		sub.order = append(sub.order, name)
	}
	return sub, nil
}

// ToolInfo is the capability-discovery view of a tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// Describe returns the discovery view of every registered tool.
func (r *ToolRegistry) Describe() []ToolInfo {
	tools := r.List()
	infos := make([]ToolInfo, 0, len(tools))
	for _, tool := range tools {
		infos = append(infos, ToolInfo{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  schemaValue(tool.Schema()),
		})
	}
	return infos
}
