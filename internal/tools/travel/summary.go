package travel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/patrickmn/go-cache"
)

const summaryToolName = "travel_summary"

// SummaryProvider adds the user's travel summary to the prompt CONTEXT block
// under "travel_summary". Summaries are cached per user for a short TTL so
// consecutive turns do not refetch them.
type SummaryProvider struct {
	invoker Invoker
	cache   *cache.Cache
	logger  *slog.Logger
}

// NewSummaryProvider creates the provider. ttl <= 0 uses one minute.
func NewSummaryProvider(invoker Invoker, ttl time.Duration, logger *slog.Logger) *SummaryProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryProvider{
		invoker: invoker,
		cache:   cache.New(ttl, 5*ttl),
		logger:  logger,
	}
}

func (p *SummaryProvider) Name() string { return "project_summary" }

// Provide fetches the summary. Turns without a user contribute nothing.
func (p *SummaryProvider) Provide(ctx context.Context, bundle agent.ContextBundle) (map[string]any, error) {
	if bundle.UserID == "" {
		return nil, nil
	}
	if cached, ok := p.cache.Get(bundle.UserID); ok {
		return map[string]any{summaryToolName: cached}, nil
	}

	resp, err := p.invoker.Invoke(ctx, summaryToolName, bundle.UserID, json.RawMessage("{}"))
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New("travel summary unavailable: " + resp.Error)
	}

	summary := contentText(resp.Content)
	if summary == "" {
		return nil, nil
	}
	p.cache.SetDefault(bundle.UserID, summary)
	p.logger.Debug("fetched travel summary", "user_id", bundle.UserID, "chars", len(summary))
	return map[string]any{summaryToolName: summary}, nil
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
