package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/dmorgan81/imagebot/internal/param"
	"github.com/samber/do"
)

// Params is the bag of inputs handed to a model. Keys the model should default are left out.
type Params map[string]any

var ErrUpstream = errors.New("inference provider returned an error")

type Generator interface {
	Generate(ctx context.Context, model string, params Params) ([]byte, error)
}

// NewGenerator builds the generator for the configured provider, fetching its token up front.
func NewGenerator(i *do.Injector) (Generator, error) {
	cfg := do.MustInvoke[*config.Config](i)
	ctx := do.MustInvokeNamed[context.Context](i, "context")

	token, err := do.MustInvoke[param.Fetcher](i).Fetch(ctx, cfg.APITokenParam)
	if err != nil {
		return nil, fmt.Errorf("fetch %s token: %w", cfg.Provider, err)
	}
	client := do.MustInvoke[*http.Client](i)

	switch cfg.Provider {
	case config.ProviderDezgo:
		return &DezgoGenerator{Client: client, BaseURL: cfg.APIBaseURL, Key: token}, nil
	case config.ProviderWorkersAI:
		return &WorkersAIGenerator{Client: client, BaseURL: cfg.APIBaseURL, Account: cfg.AccountID, Token: token}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func logger(ctx context.Context, provider, model string) *slog.Logger {
	return log.FromContextOrDiscard(ctx).WithGroup(provider).With("model", model)
}
