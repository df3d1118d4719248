package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/gorilla/feeds"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type bucketClient interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
}

type Generator struct {
	client  bucketClient
	bucket  string
	siteURL string
	now     func() time.Time
}

func NewGenerator(client bucketClient, bucket, siteURL string) *Generator {
	return &Generator{client: client, bucket: bucket, siteURL: strings.TrimRight(siteURL, "/"), now: time.Now}
}

func NewS3Generator(i *do.Injector) (*Generator, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return NewGenerator(do.MustInvoke[*s3.Client](i), cfg.Bucket, cfg.SiteURL), nil
}

// Generate builds an RSS document from every archived image in the bucket, oldest first.
func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("feed").With("bucket", g.bucket)
	log.Info("generating rss feed")

	feed := feeds.Feed{
		Title:       "imagebot",
		Description: "Images generated with Stable Diffusion XL",
		Link:        &feeds.Link{Href: g.siteURL},
		Updated:     g.now(),
	}

	pager := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
	})

	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(16)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", g.bucket, err)
		}

		objs := lo.Filter(page.Contents, func(o s3types.Object, _ int) bool {
			key := aws.ToString(o.Key)
			return strings.HasSuffix(key, ".png") && !strings.HasPrefix(key, "latest")
		})

		for _, obj := range objs {
			key := aws.ToString(obj.Key)
			group.Go(func() error {
				out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
					Bucket: aws.String(g.bucket),
					Key:    aws.String(key),
				})
				if err != nil {
					return fmt.Errorf("head %s: %w", key, err)
				}

				item := g.item(key, out.Metadata, aws.ToTime(out.LastModified))
				mu.Lock()
				feed.Add(item)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	feed.Sort(func(a, b *feeds.Item) bool {
		return a.Updated.Before(b.Updated)
	})
	log.Info("generated rss feed", "items", len(feed.Items))
	rss, err := feed.ToRss()
	return []byte(rss), err
}

func (g *Generator) item(key string, meta map[string]string, updated time.Time) *feeds.Item {
	desc := "model " + meta["model"]
	if seed := meta["seed"]; seed != "" {
		desc += ", seed " + seed
	}
	prompt, err := url.QueryUnescape(meta["prompt"])
	if err != nil {
		prompt = meta["prompt"]
	}
	return &feeds.Item{
		Id:          key,
		Title:       prompt,
		Description: desc,
		Link:        &feeds.Link{Href: g.siteURL + "/" + key},
		Updated:     updated,
	}
}
