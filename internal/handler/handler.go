package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmorgan81/imagebot/internal/archive"
	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/image"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/dmorgan81/imagebot/internal/metrics"
	"github.com/dmorgan81/imagebot/internal/page"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const GeneratePath = "/generate-image"

const (
	msgPromptRequired = "Prompt is required"
	msgInvalidJSON    = "Invalid JSON body"
	msgUpstream       = "Failed to generate image"
)

type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Header looks a request header up by name, ignoring case since function URL events carry
// lowercase keys.
func (r Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// IsGenerate reports whether a request goes to the model rather than the page.
func IsGenerate(method, path string) bool {
	return method == http.MethodPost && path == GeneratePath
}

func (r Response) ContentType() string {
	return r.Headers["Content-Type"]
}

// GenerateInput is the JSON body of a generation request. Optional fields stay untyped so
// whatever the client sent reaches the model unchanged.
type GenerateInput struct {
	Prompt         any `json:"prompt"`
	NegativePrompt any `json:"negative_prompt"`
	Height         any `json:"height"`
	Width          any `json:"width"`
	NumSteps       any `json:"num_steps"`
	Guidance       any `json:"guidance"`
	Strength       any `json:"strength"`
	Seed           any `json:"seed"`
}

func (i GenerateInput) prompt() (string, bool) {
	s, ok := i.Prompt.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func (i GenerateInput) toImageParams(prompt string) image.Params {
	optional := map[string]any{
		"negative_prompt": i.NegativePrompt,
		"height":          i.Height,
		"width":           i.Width,
		"num_steps":       i.NumSteps,
		"guidance":        i.Guidance,
		"strength":        i.Strength,
		"seed":            i.Seed,
	}
	params := image.Params(lo.OmitBy(optional, func(_ string, v any) bool {
		return absent(v)
	}))
	params["prompt"] = prompt
	return params
}

// absent reports whether a value should fall back to the model's default: null, false, the
// empty string and numeric zero.
func absent(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return v == ""
	case json.Number:
		f, err := strconv.ParseFloat(v.String(), 64)
		return err == nil && f == 0
	}
	return false
}

func decodeInput(body []byte) (GenerateInput, error) {
	var input GenerateInput
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil {
		return GenerateInput{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return GenerateInput{}, errors.New("unexpected data after JSON body")
	}
	return input, nil
}

type Handler struct {
	templator *page.Templator
	generator image.Generator
	archiver  archive.Archiver
	model     string

	detach   bool
	archives sync.WaitGroup
}

type Option func(*Handler)

// WithDetachedArchive archives after the response is returned instead of before it. Only
// useful where the process outlives the request; Lambda freezes once the handler returns.
func WithDetachedArchive() Option {
	return func(h *Handler) {
		h.detach = true
	}
}

func New(templator *page.Templator, generator image.Generator, archiver archive.Archiver, model string, opts ...Option) *Handler {
	h := &Handler{
		templator: templator,
		generator: generator,
		archiver:  archiver,
		model:     model,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func NewHandler(i *do.Injector) (*Handler, error) {
	cfg := do.MustInvoke[*config.Config](i)
	var opts []Option
	if cfg.DetachArchive {
		opts = append(opts, WithDetachedArchive())
	}
	return New(
		do.MustInvoke[*page.Templator](i),
		do.MustInvoke[image.Generator](i),
		do.MustInvoke[archive.Archiver](i),
		cfg.Model,
		opts...,
	), nil
}

// Shutdown waits for detached archives to finish.
func (h *Handler) Shutdown() error {
	h.archives.Wait()
	return nil
}

func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	log := log.FromContextOrDiscard(ctx).WithGroup("Handler").With(
		"method", req.Method,
		"path", req.Path,
		"user_agent", req.Header("User-Agent"),
	)

	route := "page"
	var resp Response
	if IsGenerate(req.Method, req.Path) {
		route = "generate"
		resp = h.generate(ctx, log.WithGroup("generate"), req)
	} else {
		resp = h.page(ctx)
	}

	metrics.Requests.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()
	log.Info("handled request", "status", resp.StatusCode, "duration", time.Since(start))
	return resp
}

func (h *Handler) page(ctx context.Context) Response {
	html, err := h.templator.Template(ctx)
	if err != nil {
		log.FromContextOrDiscard(ctx).Error("rendering page", log.Err(err))
		return text(http.StatusInternalServerError, "Internal Server Error")
	}
	return Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
		Body:       html,
	}
}

func (h *Handler) generate(ctx context.Context, logger *slog.Logger, req Request) Response {
	start := time.Now()

	input, err := decodeInput(req.Body)
	if err != nil {
		logger.Warn("rejecting malformed body", log.Err(err))
		metrics.ObserveGeneration(metrics.ResultBadRequest, start, 0)
		return text(http.StatusBadRequest, msgInvalidJSON)
	}

	prompt, ok := input.prompt()
	if !ok {
		logger.Warn("rejecting request without prompt")
		metrics.ObserveGeneration(metrics.ResultBadRequest, start, 0)
		return text(http.StatusBadRequest, msgPromptRequired)
	}

	params := input.toImageParams(prompt)
	img, err := h.generator.Generate(ctx, h.model, params)
	if err != nil {
		logger.Error("generating image", log.Err(err))
		metrics.ObserveGeneration(metrics.ResultUpstreamError, start, 0)
		return text(http.StatusBadGateway, msgUpstream)
	}
	metrics.ObserveGeneration(metrics.ResultOK, start, len(img))

	if h.archiver != nil {
		entry := archive.Entry{Model: h.model, Params: params, Image: img}
		if h.detach {
			h.archives.Add(1)
			go func() {
				defer h.archives.Done()
				h.archive(context.WithoutCancel(ctx), logger, entry)
			}()
		} else {
			h.archive(ctx, logger, entry)
		}
	}

	return Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "image/png"},
		Body:       img,
	}
}

func (h *Handler) archive(ctx context.Context, logger *slog.Logger, entry archive.Entry) {
	if err := h.archiver.Archive(ctx, entry); err != nil {
		logger.Error("archiving image", log.Err(err))
		metrics.ArchiveFailures.Inc()
	}
}

func text(status int, body string) Response {
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       []byte(body),
	}
}
