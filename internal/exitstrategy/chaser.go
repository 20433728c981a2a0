package exitstrategy

import (
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// ChaserParams configures the chasing close in price increments.
type ChaserParams struct {
	StartTick   int64 `json:"starttick"`
	UpTick      int64 `json:"uptick"`
	DownTick    int64 `json:"downtick"`
	MaxUpTick   int64 `json:"maxuptick"`
	MaxDownTick int64 `json:"maxdowntick"`
}

// Chaser trails a closing level that creeps toward the market: favourable
// moves pull it by UpTick, adverse moves tighten it by DownTick, and the
// level never lags more than MaxUpTick nor leads more than MaxDownTick
// increments from the current tick. Crossing it closes at the tick price.
type Chaser struct {
	Params ChaserParams
}

// GenerateExitOrders implements Strategy.
func (c *Chaser) GenerateExitOrders(evt schema.Event, account string, avgPx, tickPx numeric.Px, pos *portfolio.Position, qty numeric.Qty) []*schema.Order {
	if pos.IsFlat() {
		return nil
	}
	isLong := pos.IsLong()
	inc := int64(pos.PriceIncrement)
	state := &pos.Exit
	dir := numeric.Px(1)
	if !isLong {
		dir = -1
	}

	if !state.HasChaser {
		state.StartTick = avgPx - dir*numeric.Px(c.Params.StartTick*inc)
		state.HasStart = true
		state.ChaserPrice = state.StartTick
		state.HasChaser = true
		state.LastPrice = tickPx
		state.HasLastPrice = true
		return nil
	}

	favourable := (isLong && tickPx > state.LastPrice) || (!isLong && tickPx < state.LastPrice)
	if favourable {
		state.ChaserPrice += dir * numeric.Px(c.Params.UpTick*inc)
	} else if tickPx != state.LastPrice {
		state.ChaserPrice += dir * numeric.Px(c.Params.DownTick*inc)
	}

	// Clamp the chaser into its permitted band around the tick.
	if low := tickPx - dir*numeric.Px(c.Params.MaxUpTick*inc); dir*(low-state.ChaserPrice) > 0 {
		state.ChaserPrice = low
	}
	if high := tickPx - dir*numeric.Px(c.Params.MaxDownTick*inc); c.Params.MaxDownTick > 0 && dir*(state.ChaserPrice-high) > 0 {
		state.ChaserPrice = high
	}
	state.LastPrice = tickPx

	if (isLong && tickPx <= state.ChaserPrice) || (!isLong && tickPx >= state.ChaserPrice) {
		o := closeOrder(evt, account, pos, closeQty(pos, qty), schema.OrderTypePassive, "chaser")
		o.SetPrice(tickPx)
		return []*schema.Order{o}
	}
	return nil
}
