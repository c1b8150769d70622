package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// chatCompletionProvider is an OpenAI/Anthropic-compatible chat-completion
// HTTP adapter. Both configured providers share this shape; a
// provider with a genuinely different wire contract gets its own adapter
// implementing the same Provider interface.
type chatCompletionProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	health  *healthTracker
}

// NewHTTPProvider builds a Provider from a config.ProviderConfig-shaped set
// of fields, reading its credential from the named environment variable.
func NewHTTPProvider(name, baseURL, apiKeyEnv, model string) Provider {
	return &chatCompletionProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  os.Getenv(apiKeyEnv),
		model:   model,
		http:    &http.Client{Timeout: 30 * time.Second},
		health:  newHealthTracker(),
	}
}

func (p *chatCompletionProvider) Name() string { return p.name }

func (p *chatCompletionProvider) Health() Health { return p.health.snapshot() }

type chatRequestBody struct {
	Model          string            `json:"model"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []chatMessage     `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseBody struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		OutputTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete issues the chat-completion request and records latency/health.
// Without an API key configured, it fails NeedsCredentials so the router's
// fallback can move to the next provider without burning a health strike.
func (p *chatCompletionProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.apiKey == "" {
		return nil, types.NewKindError(types.ErrNeedsCredentials, fmt.Errorf("%s: no API key configured", p.name))
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	body := chatRequestBody{
		Model:          model,
		ResponseFormat: map[string]string{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: req.Prompt},
			{Role: "user", Content: req.ContextBlob},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.http.Do(httpReq)
	if err != nil {
		p.health.recordFailure(err)
		return nil, types.NewKindError(types.ErrProviderDown, fmt.Errorf("%s: %w", p.name, err))
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := types.NewKindError(types.ErrRateLimited, fmt.Errorf("%s: rate limited", p.name))
		p.health.recordFailure(err)
		return nil, err
	case resp.StatusCode >= 500:
		err := types.NewKindError(types.ErrProviderDown, fmt.Errorf("%s: %d %s", p.name, resp.StatusCode, respBytes))
		p.health.recordFailure(err)
		return nil, err
	case resp.StatusCode >= 400:
		err := types.NewKindError(types.ErrContentFiltered, fmt.Errorf("%s: %d %s", p.name, resp.StatusCode, respBytes))
		p.health.recordFailure(err)
		return nil, err
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(respBytes, &parsed); err != nil || len(parsed.Choices) == 0 {
		err := types.NewKindError(types.ErrMalformedResp, fmt.Errorf("%s: unparseable response", p.name))
		p.health.recordFailure(err)
		return nil, err
	}

	p.health.recordSuccess(time.Since(start))
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		PromptTokens: parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		CostUSD:      estimateCost(p.name, parsed.Usage.PromptTokens, parsed.Usage.OutputTokens),
	}, nil
}

// estimateCost applies a static per-1k-token rate table. Real billing
// varies by model tier; this is the router's own usage-accounting estimate
// for the usage log, not an invoice reconciliation.
func estimateCost(provider string, promptTokens, outputTokens int) decimal.Decimal {
	promptRate := decimal.NewFromFloat(0.005)
	outputRate := decimal.NewFromFloat(0.015)
	if provider == "anthropic" {
		promptRate = decimal.NewFromFloat(0.003)
		outputRate = decimal.NewFromFloat(0.015)
	}
	cost := decimal.NewFromInt(int64(promptTokens)).Div(decimal.NewFromInt(1000)).Mul(promptRate)
	cost = cost.Add(decimal.NewFromInt(int64(outputTokens)).Div(decimal.NewFromInt(1000)).Mul(outputRate))
	return cost
}
