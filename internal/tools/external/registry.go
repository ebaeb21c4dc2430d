package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/backoff"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
)

const specsKey = "available_tools"

// Catalog discovers collaborator tools and caches the listing so agents
// assembled in one process share a single fetch per TTL.
type Catalog struct {
	client   *Client
	cache    *cache.Cache
	attempts int
	policy   backoff.BackoffPolicy
	logger   *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogLogger sets the catalog logger.
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDiscoveryRetry overrides the attempts and backoff used for discovery.
func WithDiscoveryRetry(attempts int, policy backoff.BackoffPolicy) CatalogOption {
	return func(c *Catalog) {
		c.attempts = attempts
		c.policy = policy
	}
}

// NewCatalog creates a catalog over client. ttl <= 0 uses 5 minutes.
func NewCatalog(client *Client, ttl time.Duration, opts ...CatalogOption) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Catalog{
		client:   client,
		cache:    cache.New(ttl, 2*ttl),
		attempts: 3,
		policy:   backoff.QuickPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client returns the collaborator client.
func (c *Catalog) Client() *Client {
	return c.client
}

// Specs returns the collaborator's tool listing, from cache when fresh.
// Transient failures are retried; 4xx responses are not.
func (c *Catalog) Specs(ctx context.Context) ([]ToolSpec, error) {
	if cached, ok := c.cache.Get(specsKey); ok {
		return cached.([]ToolSpec), nil
	}

	specs, err := backoff.RetryValue(ctx, c.policy, c.attempts, func(attempt int) ([]ToolSpec, error) {
		specs, err := c.client.AvailableTools(ctx)
		if err != nil && attempt < c.attempts {
			c.logger.Debug("tool discovery failed, retrying", "attempt", attempt, "error", err)
		}
		return specs, err
	}, retryable)
	if err != nil {
		return nil, fmt.Errorf("discover tools from %s: %w", c.client.BaseURL(), err)
	}

	specs = lo.UniqBy(lo.Filter(specs, func(s ToolSpec, _ int) bool {
		return s.Name != ""
	}), func(s ToolSpec) string { return s.Name })
	c.cache.SetDefault(specsKey, specs)
	c.logger.Info("discovered collaborator tools", "count", len(specs), "url", c.client.BaseURL())
	return specs, nil
}

// Invalidate drops the cached listing.
func (c *Catalog) Invalidate() {
	c.cache.Delete(specsKey)
}

// Tools returns the discovered tools as agent.Tool values. With names, only
// those tools are returned in the order given, and a name the collaborator
// does not serve is an error.
func (c *Catalog) Tools(ctx context.Context, names ...string) ([]agent.Tool, error) {
	specs, err := c.Specs(ctx)
	if err != nil {
		return nil, err
	}
	byName := lo.KeyBy(specs, func(s ToolSpec) string { return s.Name })

	if len(names) == 0 {
		return lo.Map(specs, func(s ToolSpec, _ int) agent.Tool {
			return NewRemoteTool(c.client, s)
		}), nil
	}

	missing := lo.Filter(names, func(name string, _ int) bool {
		_, ok := byName[name]
		return !ok
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: collaborator does not serve %v", agent.ErrToolNotFound, missing)
	}
	return lo.Map(lo.Uniq(names), func(name string, _ int) agent.Tool {
		return NewRemoteTool(c.client, byName[name])
	}), nil
}

// Register adds the selected collaborator tools to registry, skipping names
// already registered locally.
func (c *Catalog) Register(ctx context.Context, registry *agent.ToolRegistry, names ...string) error {
	tools, err := c.Tools(ctx, names...)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			if errors.Is(err, agent.ErrDuplicateTool) {
				continue
			}
			return err
		}
	}
	return nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
