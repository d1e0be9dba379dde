package engine

import (
	"context"
	"fmt"

	"github.com/prizm-dev/prizm-go/pkg/config"
)

// RegisterClient checks server health, registers this client under the
// configured name and scopes, and records the issued identity in cfg. The
// caller persists cfg afterwards. Returns the issued API key.
func (e *Engine) RegisterClient(ctx context.Context, cfg *config.Config) (string, error) {
	if e.client == nil {
		return "", fmt.Errorf("engine: no transport configured")
	}
	if err := e.client.Health(ctx); err != nil {
		return "", fmt.Errorf("engine: server health check failed: %w", err)
	}
	reg, err := e.client.Register(ctx, cfg.Client.Name, cfg.Client.RequestedScopes)
	if err != nil {
		return "", fmt.Errorf("engine: register client: %w", err)
	}
	cfg.Client.Name = reg.ClientID
	cfg.APIKey = reg.APIKey
	return reg.APIKey, nil
}
