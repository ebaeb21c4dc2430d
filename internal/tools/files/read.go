// Package files provides the read_file tool.
package files

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/agent/toolconv"
)

// DefaultMaxChars is the read limit when neither the call nor the config sets one.
const DefaultMaxChars = 10000

// Config controls the file tool.
type Config struct {
	// AllowedPaths lists the directories that may be read. Empty denies all.
	AllowedPaths []string
	// MaxChars caps every read. Default: 10000
	MaxChars int
}

type readParams struct {
	Path     string `json:"path" jsonschema:"description=Absolute path or path relative to the first allowed directory"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters to return (default 10000),minimum=1"`
}

// ReadTool reads text files from the allowed directories.
type ReadTool struct {
	resolver Resolver
	maxChars int
}

// NewReadTool creates the read_file tool.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxChars
	if limit <= 0 {
		limit = DefaultMaxChars
	}
	return &ReadTool{
		resolver: Resolver{Roots: cfg.AllowedPaths},
		maxChars: limit,
	}
}

// Name returns the tool name.
func (t *ReadTool) Name() string {
	return "read_file"
}

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read a text file from an allowed directory, returning at most max_chars characters."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadTool) Schema() json.RawMessage {
	return toolconv.ReflectSchema(&readParams{})
}

// Execute reads the file. Characters are counted as runes.
func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage, _ agent.ContextBundle) (*agent.ToolOutput, error) {
	var input readParams
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if errors.Is(err, ErrPathNotAllowed) {
		return nil, agent.NewToolError(agent.KindToolExecutionFailed, t.Name(), err).
			WithMessage(fmt.Sprintf("%s: %s", ErrPathNotAllowed, input.Path))
	}
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, agent.ToolFailure("file not found: %s", input.Path)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, agent.ToolFailure("path is not a file: %s", input.Path)
	}

	limit := t.maxChars
	if input.MaxChars > 0 && input.MaxChars < limit {
		limit = input.MaxChars
	}

	text, truncated, err := readRunes(ctx, bufio.NewReader(file), limit)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	return &agent.ToolOutput{
		Content: text,
		Metadata: map[string]any{
			"path":       resolved,
			"file_size":  info.Size(),
			"chars_read": len([]rune(text)),
			"truncated":  truncated,
		},
	}, nil
}

func readRunes(ctx context.Context, r *bufio.Reader, limit int) (string, bool, error) {
	var b strings.Builder
	for n := 0; n < limit; n++ {
		if n%4096 == 0 && ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		ch, _, err := r.ReadRune()
		if errors.Is(err, io.EOF) {
			return b.String(), false, nil
		}
		if err != nil {
			return "", false, err
		}
		b.WriteRune(ch)
	}
	_, _, err := r.ReadRune()
	return b.String(), err == nil, nil
}
