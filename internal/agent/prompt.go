package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"
)

// ContextProvider contributes named values to the CONTEXT block of the system
// prompt for one turn.
type ContextProvider interface {
	Name() string
	Provide(ctx context.Context, bundle ContextBundle) (map[string]any, error)
}

// ContextProviderFunc adapts a function into a ContextProvider.
type ContextProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, bundle ContextBundle) (map[string]any, error)
}

func (f ContextProviderFunc) Name() string { return f.ProviderName }

func (f ContextProviderFunc) Provide(ctx context.Context, bundle ContextBundle) (map[string]any, error) {
	return f.Fn(ctx, bundle)
}

const dateTimeLayout = "Monday, January 02, 2006 at 03:04 PM MST"

// CurrentDateTimeProvider reports the current date and time. A nil now uses
// time.Now. The bundle's "timezone" value, when it names a valid location,
// selects the zone; otherwise UTC is used.
func CurrentDateTimeProvider(now func() time.Time) ContextProvider {
	if now == nil {
		now = time.Now
	}
	return ContextProviderFunc{
		ProviderName: "current_datetime",
		Fn: func(_ context.Context, bundle ContextBundle) (map[string]any, error) {
			loc := time.UTC
			if tz := bundle.String("timezone"); tz != "" {
				if l, err := time.LoadLocation(tz); err == nil {
					loc = l
				}
			}
			return map[string]any{
				"current_datetime": "Today is " + now().In(loc).Format(dateTimeLayout),
			}, nil
		},
	}
}

// PromptBuilder assembles the system prompt for a turn: the agent's base
// prompt followed by a CONTEXT block built from the context providers and
// the allowlisted context bundle keys. Bundle keys that are not allowlisted
// never reach the model.
type PromptBuilder struct {
	providers   []ContextProvider
	contextKeys []string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewPromptBuilder creates a builder. contextKeys lists the bundle keys that
// may be formatted into the prompt.
func NewPromptBuilder(providers []ContextProvider, contextKeys []string, logger *slog.Logger) *PromptBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptBuilder{
		providers:   providers,
		contextKeys: contextKeys,
		timeout:     5 * time.Second,
		logger:      logger,
	}
}

type contextEntry struct {
	key   string
	value any
}

// Build returns the system prompt. Provider failures are logged and skipped;
// they never fail the turn.
func (b *PromptBuilder) Build(ctx context.Context, base string, bundle ContextBundle) string {
	if b == nil {
		return base
	}

	var entries []contextEntry
	seen := map[string]int{}
	add := func(key string, value any) {
		if value == nil || value == "" {
			return
		}
		if idx, ok := seen[key]; ok {
			entries[idx].value = value
			return
		}
		seen[key] = len(entries)
		entries = append(entries, contextEntry{key: key, value: value})
	}

	for _, p := range b.providers {
		pctx, cancel := context.WithTimeout(ctx, b.timeout)
		values, err := p.Provide(pctx, bundle)
		cancel()
		if err != nil {
			b.logger.Warn("context provider failed", "provider", p.Name(), "error", err)
			continue
		}
		for _, key := range slices.Sorted(maps.Keys(values)) {
			add(key, values[key])
		}
	}
	for _, key := range b.contextKeys {
		if bundle.Values == nil {
			break
		}
		if v, ok := bundle.Values[key]; ok {
			add(key, v)
		}
	}

	block := formatContext(entries)
	if block == "" {
		return base
	}
	if base == "" {
		return block
	}
	return base + "\n\n" + block
}

func formatContext(entries []contextEntry) string {
	if len(entries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		key := strings.ToUpper(e.key)
		switch v := e.value.(type) {
		case map[string]any, []any:
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s:\n%s", key, data))
		default:
			parts = append(parts, fmt.Sprintf("%s: %v", key, v))
		}
	}
	return "CONTEXT:\n" + strings.Join(parts, "\n\n")
}
