package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/orderref"
	"github.com/angelmondragon/keymarket-backend/pkg/square"
)

// New builds the configured provider wrapped in Guarded.
func New(ctx context.Context, cfg *config.Config, refs *orderref.Codec, logg *logger.Logger) (payments.Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	var provider payments.Gateway
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Provider)) {
	case config.GatewaySquare:
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("square client: %w", err)
		}
		sq, err := NewSquare(client, refs)
		if err != nil {
			return nil, err
		}
		provider = sq
	case config.GatewaySandbox, "":
		sandbox, err := NewSandbox(cfg.Gateway.SandboxBaseURL, refs)
		if err != nil {
			return nil, err
		}
		provider = sandbox
	default:
		return nil, fmt.Errorf("unsupported gateway provider %q", cfg.Gateway.Provider)
	}
	return NewGuarded(provider, cfg.Gateway, logg), nil
}
