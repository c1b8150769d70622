package router

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/metrics"
	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UsageRecorder persists one reasoning invocation's token/cost accounting
// alongside the rest of the persisted trading state.
type UsageRecorder interface {
	RecordAIUsage(ctx context.Context, log types.AiUsageLog) error
}

// Router selects among configured Providers in fallback order and parses
// the winning response into the typed action contract.
type Router struct {
	providers []Provider
	recorder  UsageRecorder
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// WithMetrics attaches the Prometheus surface.
func (r *Router) WithMetrics(mx *metrics.Metrics) *Router {
	r.metrics = mx
	return r
}

// New builds a Router. providers is in fallback preference order: a
// per-account personal-key provider first, the platform default last;
// callers construct that ordering by passing the
// account-specific provider slice for this invocation.
func New(logger *zap.Logger, recorder UsageRecorder, providers []Provider) *Router {
	return &Router{providers: providers, recorder: recorder, logger: logger}
}

const maxRetriesPerProvider = 2

// Invoke runs the router contract: try providers in order, retrying a
// ProviderUnavailable failure (bounded) on the same provider before falling
// back. Nothing else is retryable.
func (r *Router) Invoke(ctx context.Context, req Request) (*types.ReasoningResult, error) {
	var lastErr error
	for _, provider := range r.providers {
		if !provider.Health().IsHealthy {
			r.logger.Debug("router: skipping unhealthy provider", zap.String("provider", provider.Name()))
			continue
		}

		start := time.Now()
		resp, err := r.invokeWithRetry(ctx, provider, req)
		if err != nil {
			lastErr = err
			if r.metrics != nil {
				r.metrics.RouterFailures.WithLabelValues(string(types.KindOf(err))).Inc()
			}
			r.logger.Warn("router: provider failed, falling back", zap.String("provider", provider.Name()), zap.Error(err))
			continue
		}
		if r.metrics != nil {
			r.metrics.RouterLatency.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())
		}

		result, parseErr := parseReasoningResult(resp.Content)
		if r.recorder != nil {
			_ = r.recorder.RecordAIUsage(ctx, types.AiUsageLog{
				ID:               uuid.NewString(),
				AccountID:        req.AccountID,
				Provider:         provider.Name(),
				Model:            req.Model,
				PromptTokens:     resp.PromptTokens,
				CompletionTokens: resp.OutputTokens,
				EstimatedCost:    resp.CostUSD,
				Success:          parseErr == nil,
				UserPrompt:       req.Prompt,
				CreatedAt:        time.Now(),
			})
		}
		if parseErr != nil {
			lastErr = parseErr
			r.logger.Warn("router: malformed response, falling back", zap.String("provider", provider.Name()), zap.Error(parseErr))
			continue
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = types.NewKindError(types.ErrProviderDown, fmt.Errorf("no providers configured"))
	}
	return nil, lastErr
}

func (r *Router) invokeWithRetry(ctx context.Context, provider Provider, req Request) (*Response, error) {
	var err error
	for attempt := 0; attempt <= maxRetriesPerProvider; attempt++ {
		var resp *Response
		resp, err = provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !types.Retryable(err) {
			return nil, err
		}
		if attempt < maxRetriesPerProvider {
			select {
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, err
}
