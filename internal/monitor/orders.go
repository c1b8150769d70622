package monitor

import (
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
)

// OrderRole is the inferred purpose of a resting reduce-only order.
type OrderRole string

const (
	RoleTakeProfit OrderRole = "take_profit"
	RoleStopLoss   OrderRole = "stop_loss"
	RoleEntry      OrderRole = "entry"
)

// ClassifiedOrder pairs a raw venue order with its inferred role.
type ClassifiedOrder struct {
	OID     string    `json:"oid"`
	Symbol  string    `json:"symbol"`
	Side    string    `json:"side"`
	Size    string    `json:"size"`
	LimitPx string    `json:"limitPx"`
	Role    OrderRole `json:"role"`
}

// classifyOpenOrders infers TP/SL roles from each order's price relative to
// the position's entry and the position side. The venue client deliberately
// returns raw orders and leaves this to the caller; a reduce-only order on
// a long that sells above entry is a take-profit, below is a stop.
func classifyOpenOrders(orders []venue.RawOrder, positions []venue.RawPosition) []ClassifiedOrder {
	entryBySymbol := map[string]venue.RawPosition{}
	for _, p := range positions {
		entryBySymbol[p.Symbol] = p
	}

	out := make([]ClassifiedOrder, 0, len(orders))
	for _, order := range orders {
		classified := ClassifiedOrder{
			OID:     order.OID,
			Symbol:  order.Symbol,
			Side:    order.Side,
			Size:    order.Size.String(),
			LimitPx: order.LimitPx.String(),
			Role:    RoleEntry,
		}
		position, hasPosition := entryBySymbol[order.Symbol]
		if order.ReduceOnly && hasPosition {
			px := order.TriggerPx
			if px.IsZero() {
				px = order.LimitPx
			}
			longPosition := position.Size.IsPositive()
			above := px.GreaterThan(position.EntryPx)
			if longPosition == above {
				classified.Role = RoleTakeProfit
			} else {
				classified.Role = RoleStopLoss
			}
		}
		out = append(out, classified)
	}
	return out
}
