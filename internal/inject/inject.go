package inject

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/imagebot/internal/archive"
	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/feed"
	"github.com/dmorgan81/imagebot/internal/handle"
	"github.com/dmorgan81/imagebot/internal/handler"
	"github.com/dmorgan81/imagebot/internal/image"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/dmorgan81/imagebot/internal/page"
	"github.com/dmorgan81/imagebot/internal/param"
	"github.com/dmorgan81/imagebot/internal/store"
	"github.com/samber/do"
)

// Setup registers every service lazily; AWS clients are only built if something needs them.
func Setup(ctx context.Context, cfg *config.Config) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.ProvideValue[*config.Config](injector, cfg)
	do.ProvideNamedValue[context.Context](injector, "context", ctx)

	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*cloudfront.Client](injector, func(i *do.Injector) (*cloudfront.Client, error) {
		return cloudfront.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.ProvideValue[*http.Client](injector, &http.Client{Timeout: cfg.InferenceTimeout})

	do.ProvideNamedValue[string](injector, "endpoint", handler.GeneratePath)

	do.Provide[param.Fetcher](injector, param.NewFetcher)
	do.Provide[image.Generator](injector, image.NewGenerator)
	do.Provide[*page.Templator](injector, page.NewInjectedTemplator)
	do.Provide[store.Uploader](injector, store.NewS3Uploader)
	do.Provide[store.Invalidator](injector, store.NewInvalidator)
	do.Provide[*feed.Generator](injector, feed.NewS3Generator)
	do.Provide[archive.Archiver](injector, archive.NewArchiver)

	do.Provide[*handler.Handler](injector, handler.NewHandler)
	do.Provide[*handle.FunctionURLHandler](injector, handle.NewFunctionURLHandler)
	do.Provide[*handle.HTTPHandler](injector, handle.NewHTTPHandler)

	return injector
}
