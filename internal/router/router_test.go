package router

import (
	"context"
	"testing"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubProvider struct {
	name    string
	content string
	err     error
	health  Health
}

func (s *stubProvider) Name() string  { return s.name }
func (s *stubProvider) Health() Health { return s.health }
func (s *stubProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: s.content}, nil
}

const validJSON = `{"interpretation":"x","actions":[{"kind":"buy","symbol":"BTC","side":"long","reasoning":"r"}],"riskManagement":"rm","expectedOutcome":"eo"}`

func TestRouterFallsBackOnUnhealthyProvider(t *testing.T) {
	unhealthy := &stubProvider{name: "a", health: Health{IsHealthy: false}}
	healthy := &stubProvider{name: "b", content: validJSON, health: Health{IsHealthy: true}}
	r := New(zap.NewNop(), nil, []Provider{unhealthy, healthy})

	result, err := r.Invoke(context.Background(), Request{AccountID: "acc1"})
	assert.NoError(t, err)
	assert.Equal(t, "x", result.Interpretation)
}

func TestRouterFallsBackOnMalformedResponse(t *testing.T) {
	bad := &stubProvider{name: "a", content: `{"not":"valid"}`, health: Health{IsHealthy: true}}
	good := &stubProvider{name: "b", content: validJSON, health: Health{IsHealthy: true}}
	r := New(zap.NewNop(), nil, []Provider{bad, good})

	result, err := r.Invoke(context.Background(), Request{AccountID: "acc1"})
	assert.NoError(t, err)
	assert.Len(t, result.Actions, 1)
}

func TestRouterReturnsErrorWhenAllProvidersFail(t *testing.T) {
	p1 := &stubProvider{name: "a", err: types.NewKindError(types.ErrContentFiltered, assertErr("blocked")), health: Health{IsHealthy: true}}
	r := New(zap.NewNop(), nil, []Provider{p1})

	_, err := r.Invoke(context.Background(), Request{AccountID: "acc1"})
	assert.Error(t, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
