package archive

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/feed"
	"github.com/dmorgan81/imagebot/internal/image"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/dmorgan81/imagebot/internal/store"
	"github.com/google/uuid"
	"github.com/samber/do"
)

type Entry struct {
	Model  string
	Params image.Params
	Image  []byte
}

// toMetadata escapes the prompt since S3 user metadata must be ASCII.
func (e Entry) toMetadata(id string, date time.Time) map[string]string {
	return map[string]string{
		"id":     id,
		"date":   date.Format(time.RFC3339),
		"model":  e.Model,
		"prompt": url.QueryEscape(stringParam(e.Params, "prompt")),
		"seed":   stringParam(e.Params, "seed"),
	}
}

func stringParam(params image.Params, key string) string {
	v, ok := params[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

type Archiver interface {
	Archive(context.Context, Entry) error
}

type FeedGenerator interface {
	Generate(context.Context) ([]byte, error)
}

// BucketArchiver keeps a copy of every generated image alongside latest.png and an RSS feed.
type BucketArchiver struct {
	uploader    store.Uploader
	invalidator store.Invalidator
	feed        FeedGenerator
	newID       func() string
	now         func() time.Time
}

func NewBucketArchiver(uploader store.Uploader, invalidator store.Invalidator, feed FeedGenerator) *BucketArchiver {
	return &BucketArchiver{
		uploader:    uploader,
		invalidator: invalidator,
		feed:        feed,
		newID:       uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NewArchiver returns nil when no bucket is configured, which disables archiving.
func NewArchiver(i *do.Injector) (Archiver, error) {
	if !do.MustInvoke[*config.Config](i).ArchiveEnabled() {
		return nil, nil
	}
	return NewBucketArchiver(
		do.MustInvoke[store.Uploader](i),
		do.MustInvoke[store.Invalidator](i),
		do.MustInvoke[*feed.Generator](i),
	), nil
}

func (a *BucketArchiver) Archive(ctx context.Context, entry Entry) error {
	id := a.newID()
	log := log.FromContextOrDiscard(ctx).WithGroup("archive").With("id", id)
	log.Info("archiving image")

	metadata := entry.toMetadata(id, a.now())
	uploads := []store.UploadParams{
		{
			Name:        id + ".png",
			Data:        entry.Image,
			ContentType: "image/png",
			Metadata:    metadata,
		},
		{
			Name:        "latest.png",
			Data:        entry.Image,
			ContentType: "image/png",
			Metadata:    metadata,
		},
	}
	for _, u := range uploads {
		if err := a.uploader.Upload(ctx, u); err != nil {
			return fmt.Errorf("upload %s: %w", u.Name, err)
		}
	}

	rss, err := a.feed.Generate(ctx)
	if err != nil {
		return fmt.Errorf("generate feed: %w", err)
	}
	if err := a.uploader.Upload(ctx, store.UploadParams{
		Name:        "feed.rss",
		Data:        rss,
		ContentType: "application/rss+xml",
	}); err != nil {
		return fmt.Errorf("upload feed: %w", err)
	}

	if err := a.invalidator.Invalidate(ctx, []string{"/latest.png", "/feed.rss"}); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	return nil
}
