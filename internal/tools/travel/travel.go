// Package travel holds the typed tools and prompt context that the runtime
// builds on top of the KohTravel collaborator.
package travel

import (
	"context"
	"encoding/json"

	"github.com/kohtravel/agentd/internal/tools/external"
)

// Invoker runs a collaborator tool for a user. *external.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, name, userID string, params json.RawMessage) (*external.Response, error)
}
