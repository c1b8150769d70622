package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atlas-desktop/perp-orchestrator/pkg/types"
)

// parseReasoningResult strictly decodes a provider's JSON content into the
// router's typed contract. Unknown fields are rejected so a
// provider drifting from the schema surfaces as MalformedResponse instead
// of silently losing data.
func parseReasoningResult(content string) (*types.ReasoningResult, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()

	var result types.ReasoningResult
	if err := dec.Decode(&result); err != nil {
		return nil, types.NewKindError(types.ErrMalformedResp, fmt.Errorf("decode reasoning result: %w", err))
	}

	for i, action := range result.Actions {
		if err := validateAction(action); err != nil {
			return nil, types.NewKindError(types.ErrMalformedResp, fmt.Errorf("action[%d]: %w", i, err))
		}
	}
	return &result, nil
}

func validateAction(a types.Action) error {
	switch a.Kind {
	case types.ActionBuy, types.ActionSell, types.ActionHold, types.ActionClose:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.Kind != types.ActionHold {
		if a.Symbol == "" {
			return fmt.Errorf("missing symbol")
		}
		if a.Leverage != 0 && (a.Leverage < 1 || a.Leverage > 10) {
			return fmt.Errorf("leverage %d out of [1,10]", a.Leverage)
		}
	}
	return nil
}
