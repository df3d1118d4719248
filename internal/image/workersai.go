package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/samber/lo"
)

const workersAIBaseURL = "https://api.cloudflare.com/client/v4"

type WorkersAIGenerator struct {
	Client  *http.Client
	BaseURL string
	Account string
	Token   string
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type apiEnvelope struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
}

func (g *WorkersAIGenerator) Generate(ctx context.Context, model string, params Params) ([]byte, error) {
	log := logger(ctx, "workersai", model)
	log.Info("generating image via workers ai", "params", params)

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	base := strings.TrimRight(g.BaseURL, "/")
	if base == "" {
		base = workersAIBaseURL
	}
	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", base, g.Account, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.Token)

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, describe(data))
	}

	log.Info("received image via workers ai", "bytes", len(data), "content-type", resp.Header.Get("Content-Type"))
	return data, nil
}

// describe pulls the messages out of a Cloudflare error envelope, falling back to the raw body.
func describe(body []byte) string {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Errors) == 0 {
		return strings.TrimSpace(string(body))
	}
	return strings.Join(lo.Map(env.Errors, func(e apiError, _ int) string {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}), "; ")
}
