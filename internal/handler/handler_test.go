package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/dmorgan81/imagebot/internal/archive"
	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/image"
	"github.com/dmorgan81/imagebot/internal/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stubPNG = []byte("\x89PNG\r\n\x1a\nstub")

type call struct {
	model  string
	params image.Params
}

type stubGenerator struct {
	mu    sync.Mutex
	calls []call
	img   []byte
	err   error
}

func (g *stubGenerator) Generate(_ context.Context, model string, params image.Params) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{model, params})
	return g.img, g.err
}

type stubArchiver struct {
	entries []archive.Entry
	err     error
}

func (a *stubArchiver) Archive(_ context.Context, e archive.Entry) error {
	a.entries = append(a.entries, e)
	return a.err
}

func newTestHandler(gen image.Generator, arch archive.Archiver) *Handler {
	tmpl := page.NewTemplator(page.Params{Endpoint: GeneratePath, Model: config.DefaultModel})
	return New(tmpl, gen, arch, config.DefaultModel)
}

func post(body string) Request {
	return Request{Method: http.MethodPost, Path: GeneratePath, Body: []byte(body)}
}

func TestDispatchServesPage(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	h := newTestHandler(gen, nil)

	for _, req := range []Request{
		{Method: http.MethodGet, Path: "/"},
		{Method: http.MethodGet, Path: "/anything/else"},
		{Method: http.MethodPost, Path: "/"},
		{Method: http.MethodDelete, Path: "/favicon.ico"},
		{Method: http.MethodGet, Path: GeneratePath},
		{Method: http.MethodPut, Path: GeneratePath, Body: []byte(`{"prompt":"a cat"}`)},
	} {
		t.Run(req.Method+" "+req.Path, func(t *testing.T) {
			resp := h.Dispatch(context.Background(), req)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.True(t, strings.HasPrefix(resp.ContentType(), "text/html"))
			assert.Contains(t, string(resp.Body), "<form id=\"imageForm\">")
		})
	}
	assert.Empty(t, gen.calls)
}

func TestDispatchRejectsBlankPrompt(t *testing.T) {
	for _, body := range []string{
		`{"prompt": ""}`,
		`{"prompt": "   "}`,
		`{"prompt": "\n\t"}`,
		`{}`,
		`null`,
		`{"prompt": null}`,
		`{"prompt": 42}`,
		`{"negative_prompt": "blurry"}`,
	} {
		t.Run(body, func(t *testing.T) {
			gen := &stubGenerator{img: stubPNG}
			resp := newTestHandler(gen, nil).Dispatch(context.Background(), post(body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, msgPromptRequired, string(resp.Body))
			assert.True(t, strings.HasPrefix(resp.ContentType(), "text/plain"))
			assert.Empty(t, gen.calls)
		})
	}
}

func TestDispatchRejectsMalformedJSON(t *testing.T) {
	for _, body := range []string{
		``,
		`not json`,
		`{"prompt": "a cat"`,
		`{"prompt": "a cat"} trailing`,
		`["a cat"]`,
	} {
		t.Run(body, func(t *testing.T) {
			gen := &stubGenerator{img: stubPNG}
			resp := newTestHandler(gen, nil).Dispatch(context.Background(), post(body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, msgInvalidJSON, string(resp.Body))
			assert.Empty(t, gen.calls)
		})
	}
}

func TestDispatchPromptOnly(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	resp := newTestHandler(gen, nil).Dispatch(context.Background(), post(`{"prompt": "a cat"}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.ContentType())
	assert.Equal(t, stubPNG, resp.Body)

	require.Len(t, gen.calls, 1)
	assert.Equal(t, config.DefaultModel, gen.calls[0].model)
	assert.Equal(t, image.Params{"prompt": "a cat"}, gen.calls[0].params)
}

func TestDispatchForwardsAllFields(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	body := `{"prompt": " a cat ", "negative_prompt": "blurry", "height": 512, "width": 512,
		"num_steps": 10, "guidance": 7.5, "strength": 0.8, "seed": 42}`
	resp := newTestHandler(gen, nil).Dispatch(context.Background(), post(body))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, gen.calls, 1)
	assert.Equal(t, image.Params{
		"prompt":          " a cat ",
		"negative_prompt": "blurry",
		"height":          json.Number("512"),
		"width":           json.Number("512"),
		"num_steps":       json.Number("10"),
		"guidance":        json.Number("7.5"),
		"strength":        json.Number("0.8"),
		"seed":            json.Number("42"),
	}, gen.calls[0].params)
}

func TestDispatchOmitsFalsyFields(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	body := `{"prompt": "a cat", "negative_prompt": "", "height": null, "width": 0,
		"num_steps": false, "guidance": 0.0, "seed": "7", "strength": "0"}`
	resp := newTestHandler(gen, nil).Dispatch(context.Background(), post(body))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, gen.calls, 1)
	assert.Equal(t, image.Params{
		"prompt":   "a cat",
		"seed":     "7",
		"strength": "0",
	}, gen.calls[0].params)
}

func TestDispatchKeepsLargeSeed(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	newTestHandler(gen, nil).Dispatch(context.Background(), post(`{"prompt": "a cat", "seed": 18446744073709551615}`))

	require.Len(t, gen.calls, 1)
	assert.Equal(t, json.Number("18446744073709551615"), gen.calls[0].params["seed"])
}

func TestDispatchUpstreamFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model overloaded")}
	arch := &stubArchiver{}
	resp := newTestHandler(gen, arch).Dispatch(context.Background(), post(`{"prompt": "a cat"}`))

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, msgUpstream, string(resp.Body))
	assert.Empty(t, arch.entries)
}

func TestDispatchIndependentRequests(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	h := newTestHandler(gen, nil)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Dispatch(context.Background(), post(`{"prompt": "a cat"}`))
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}()
	}
	wg.Wait()

	require.Len(t, gen.calls, 2)
	assert.Equal(t, gen.calls[0].params, gen.calls[1].params)
	gen.calls[0].params["prompt"] = "changed"
	assert.Equal(t, "a cat", gen.calls[1].params["prompt"])
}

func TestDispatchArchives(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	arch := &stubArchiver{}
	resp := newTestHandler(gen, arch).Dispatch(context.Background(), post(`{"prompt": "a cat", "seed": 42}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, arch.entries, 1)
	assert.Equal(t, config.DefaultModel, arch.entries[0].Model)
	assert.Equal(t, stubPNG, arch.entries[0].Image)
	assert.Equal(t, json.Number("42"), arch.entries[0].Params["seed"])
}

func TestDispatchArchiveFailureKeepsImage(t *testing.T) {
	gen := &stubGenerator{img: stubPNG}
	arch := &stubArchiver{err: errors.New("bucket gone")}
	resp := newTestHandler(gen, arch).Dispatch(context.Background(), post(`{"prompt": "a cat"}`))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stubPNG, resp.Body)
}

func TestRequestHeaderIgnoresCase(t *testing.T) {
	req := Request{Headers: map[string]string{"user-agent": "curl/8.0", "Content-Type": "application/json"}}

	assert.Equal(t, "curl/8.0", req.Header("User-Agent"))
	assert.Equal(t, "application/json", req.Header("Content-Type"))
	assert.Equal(t, "application/json", req.Header("content-type"))
	assert.Empty(t, req.Header("Accept"))
	assert.Empty(t, Request{}.Header("User-Agent"))
}

type blockingArchiver struct {
	release chan struct{}
	ctxErr  chan error
}

func (a *blockingArchiver) Archive(ctx context.Context, _ archive.Entry) error {
	<-a.release
	a.ctxErr <- ctx.Err()
	return nil
}

func TestDispatchDetachedArchive(t *testing.T) {
	arch := &blockingArchiver{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	tmpl := page.NewTemplator(page.Params{Endpoint: GeneratePath, Model: config.DefaultModel})
	h := New(tmpl, &stubGenerator{img: stubPNG}, arch, config.DefaultModel, WithDetachedArchive())

	ctx, cancel := context.WithCancel(context.Background())
	resp := h.Dispatch(ctx, post(`{"prompt":"a cat"}`))
	cancel()

	// the response is back while the archive is still blocked
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stubPNG, resp.Body)

	close(arch.release)
	require.NoError(t, h.Shutdown())
	assert.NoError(t, <-arch.ctxErr)
}
