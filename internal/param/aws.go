package param

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/samber/do"
)

type ParameterStoreFetcher struct {
	client *ssm.Client
}

// NewFetcher reads secrets from Parameter Store when a parameter name is configured and
// otherwise returns the token set directly in the environment.
func NewFetcher(i *do.Injector) (Fetcher, error) {
	cfg := do.MustInvoke[*config.Config](i)
	if cfg.APITokenParam == "" {
		return &StaticFetcher{Value: cfg.APIToken}, nil
	}
	return &ParameterStoreFetcher{client: do.MustInvoke[*ssm.Client](i)}, nil
}

func (f *ParameterStoreFetcher) Fetch(ctx context.Context, path string) (string, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("parameter store").With("path", path)
	log.Info("fetching single parameter")

	out, err := f.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %s: %w", path, err)
	}
	return aws.ToString(out.Parameter.Value), nil
}
