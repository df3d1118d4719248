package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	ProviderWorkersAI = "workersai"
	ProviderDezgo     = "dezgo"
)

const (
	DefaultModel      = "@cf/stabilityai/stable-diffusion-xl-base-1.0"
	DefaultDezgoModel = "epic_diffusion_1_1"
)

type Config struct {
	Provider         string        `env:"PROVIDER" env-default:"workersai" env-description:"inference provider, workersai or dezgo"`
	AccountID        string        `env:"CF_ACCOUNT_ID" env-description:"Cloudflare account running Workers AI"`
	APIToken         string        `env:"API_TOKEN" env-description:"inference provider API token"`
	APITokenParam    string        `env:"API_TOKEN_PARAM" env-description:"SSM parameter holding the inference provider API token"`
	APIBaseURL       string        `env:"API_BASE_URL" env-description:"override the provider's API base URL"`
	Model            string        `env:"MODEL" env-description:"model id, defaults per provider"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT" env-default:"0s" env-description:"timeout for a single inference call, 0 disables it"`
	MaxBodyBytes     int64         `env:"MAX_BODY_BYTES" env-default:"1048576" env-description:"largest accepted request body"`
	LogLevel         string        `env:"LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`

	HTTPAddr    string `env:"HTTP_ADDR" env-default:":8080" env-description:"server listen address"`
	MetricsAddr string `env:"METRICS_ADDR" env-default:":2112" env-description:"prometheus listen address"`

	Bucket       string `env:"BUCKET" env-description:"S3 bucket for the image archive, empty disables archiving"`
	Distribution string `env:"DISTRIBUTION" env-description:"CloudFront distribution in front of the archive bucket"`
	SiteURL      string `env:"SITE_URL" env-default:"https://localhost" env-description:"public URL of the archive, used in the feed"`

	// DetachArchive is set by binaries that keep running after a response is written.
	DetachArchive bool
}

var errNoToken = errors.New("one of API_TOKEN or API_TOKEN_PARAM is required")

func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		desc, _ := cleanenv.GetDescription(&cfg, nil)
		return nil, fmt.Errorf("config: %w; %s", err, desc)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field requirements and fills the per-provider model default.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderWorkersAI:
		if c.AccountID == "" {
			return errors.New("CF_ACCOUNT_ID is required for workersai")
		}
		if c.Model == "" {
			c.Model = DefaultModel
		}
	case ProviderDezgo:
		if c.Model == "" {
			c.Model = DefaultDezgoModel
		}
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}
	if c.APIToken == "" && c.APITokenParam == "" {
		return errNoToken
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes)
	}
	if c.InferenceTimeout < 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must not be negative, got %s", c.InferenceTimeout)
	}
	return nil
}

func (c *Config) ArchiveEnabled() bool {
	return c.Bucket != ""
}
