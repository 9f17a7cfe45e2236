package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/requiemhq/requiem/pkg/fault"
)

const (
	// DefaultBaseURL targets the OpenAI API; any compatible endpoint works.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = "gpt-4o-mini"

	defaultHTTPTimeout = 30 * time.Second
)

// Environment variables read by NewProviderFromEnv.
const (
	EnvAPIKey  = "REQUIEM_LLM_API_KEY"
	EnvModel   = "REQUIEM_LLM_MODEL"
	EnvBaseURL = "REQUIEM_LLM_BASE_URL"
	EnvRPS     = "REQUIEM_LLM_RPS"
)

// HTTPConfig configures the OpenAI-compatible provider. RPS <= 0 disables
// client-side rate limiting.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
	RPS     float64
	Burst   int
}

// HTTPProvider speaks the OpenAI chat completions wire format.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider validates the config and fills defaults. A missing API key
// is the typed unconfigured failure, not a generic error, so callers can
// fall back to the Unconfigured provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.CodeProviderUnconfigured, "llm api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  cfg.Client,
		limiter: limiter,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling fields are pointers so an explicit temperature of zero survives
// serialization instead of being dropped by omitempty.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Seed        *int64        `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerateText posts one chat completion and returns the first choice's
// content.
func (p *HTTPProvider) GenerateText(ctx context.Context, req Request) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fault.Wrap(fault.CodeTimeout, "rate limit wait interrupted", err)
		}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	body := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	if s := req.Sampling; s != nil {
		body.Temperature = &s.Temperature
		body.TopP = &s.TopP
		body.Seed = &s.Seed
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fault.Wrap(fault.CodeEngineUnavailable, "llm request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fault.Newf(fault.CodeProviderUnconfigured,
			"llm provider rejected credentials (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fault.Newf(fault.CodeEngineUnavailable,
			"llm provider returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fault.Newf(fault.CodeInternal,
			"llm provider returned status %d", resp.StatusCode)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fault.Wrap(fault.CodeEngineUnavailable, "decode llm response", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fault.New(fault.CodeEngineUnavailable, "llm response carried no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// NewProviderFromEnv wires the HTTP provider when an API key is present and
// the typed unconfigured provider otherwise.
func NewProviderFromEnv() Provider {
	key := os.Getenv(EnvAPIKey)
	if key == "" {
		return Unconfigured{}
	}
	cfg := HTTPConfig{
		APIKey:  key,
		Model:   os.Getenv(EnvModel),
		BaseURL: os.Getenv(EnvBaseURL),
	}
	if raw := os.Getenv(EnvRPS); raw != "" {
		if rps, err := strconv.ParseFloat(raw, 64); err == nil && rps > 0 {
			cfg.RPS = rps
		}
	}
	p, err := NewHTTPProvider(cfg)
	if err != nil {
		return Unconfigured{}
	}
	return p
}
