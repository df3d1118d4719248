package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const dezgoBaseURL = "https://api.dezgo.com"

// dezgoKeys renames bag keys to what the dezgo text2image endpoint expects. Keys mapped to
// "" have no text2image equivalent and are dropped.
var dezgoKeys = map[string]string{
	"num_steps": "steps",
	"strength":  "",
}

type DezgoGenerator struct {
	Client  *http.Client
	BaseURL string
	Key     string
}

func (g *DezgoGenerator) Generate(ctx context.Context, model string, params Params) ([]byte, error) {
	log := logger(ctx, "dezgo", model)
	log.Info("generating image via api.dezgo.com", "params", params)

	body := map[string]any{"model": model}
	for k, v := range params {
		name, ok := dezgoKeys[k]
		if !ok {
			name = k
		}
		if name != "" {
			body[name] = v
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	base := strings.TrimRight(g.BaseURL, "/")
	if base == "" {
		base = dezgoBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/text2image", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Dezgo-Key", g.Key)

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(img)))
	}

	log.Info("received image via api.dezgo.com", "seed", resp.Header.Get("x-input-seed"), "bytes", len(img))
	return img, nil
}
