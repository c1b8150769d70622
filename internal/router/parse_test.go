package router

import (
	"testing"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestParseReasoningResultRejectsUnknownFields(t *testing.T) {
	_, err := parseReasoningResult(`{"interpretation":"x","actions":[],"riskManagement":"r","expectedOutcome":"e","extra":"field"}`)
	assert.Error(t, err)
	assert.Equal(t, types.ErrMalformedResp, types.KindOf(err))
}

func TestParseReasoningResultRejectsLeverageOutOfRange(t *testing.T) {
	_, err := parseReasoningResult(`{"interpretation":"x","actions":[{"kind":"buy","symbol":"BTC","leverage":20,"reasoning":"r"}],"riskManagement":"r","expectedOutcome":"e"}`)
	assert.Error(t, err)
}

func TestParseReasoningResultAcceptsHoldWithoutSymbol(t *testing.T) {
	result, err := parseReasoningResult(`{"interpretation":"x","actions":[{"kind":"hold","reasoning":"nothing to do"}],"riskManagement":"r","expectedOutcome":"e"}`)
	assert.NoError(t, err)
	assert.Equal(t, types.ActionHold, result.Actions[0].Kind)
}
