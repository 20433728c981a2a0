package exitstrategy

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// AggressiveParams configures fixed exit thresholds around the entry price.
// Limits are in price increments when UseTicks is set, otherwise fractions of
// the entry price.
type AggressiveParams struct {
	StopLoss   decimal.Decimal `json:"stoploss"`
	TakeProfit decimal.Decimal `json:"takeprofit"`
	UseTicks   bool            `json:"use_ticks"`
}

// Aggressive closes the position the moment the tick crosses either the
// stop-loss or take-profit level; both may fire on the same tick.
type Aggressive struct {
	Params AggressiveParams
}

// Levels computes the (stop, target) pair for the entry price and direction.
func (a *Aggressive) Levels(avgPx numeric.Px, isLong bool, increment numeric.Px) (sl, tp numeric.Px) {
	if a.Params.UseTicks {
		slOff := numeric.Px(a.Params.StopLoss.Mul(decimal.NewFromInt(int64(increment))).IntPart())
		tpOff := numeric.Px(a.Params.TakeProfit.Mul(decimal.NewFromInt(int64(increment))).IntPart())
		if isLong {
			return avgPx - slOff, avgPx + tpOff
		}
		return avgPx + slOff, avgPx - tpOff
	}
	base := decimal.NewFromInt(int64(avgPx))
	slOff := numeric.Px(base.Mul(a.Params.StopLoss).IntPart())
	tpOff := numeric.Px(base.Mul(a.Params.TakeProfit).IntPart())
	if isLong {
		return avgPx - slOff, avgPx + tpOff
	}
	return avgPx + slOff, avgPx - tpOff
}

// GenerateExitOrders implements Strategy.
func (a *Aggressive) GenerateExitOrders(evt schema.Event, account string, avgPx, tickPx numeric.Px, pos *portfolio.Position, qty numeric.Qty) []*schema.Order {
	if pos.IsFlat() {
		return nil
	}
	isLong := pos.IsLong()
	sl, tp := a.Levels(avgPx, isLong, pos.PriceIncrement)
	size := closeQty(pos, qty)

	var orders []*schema.Order
	if (isLong && tickPx >= tp) || (!isLong && tickPx <= tp) {
		orders = append(orders, closeOrder(evt, account, pos, size, schema.OrderTypeReduce, "take_profit"))
	}
	if (isLong && tickPx <= sl) || (!isLong && tickPx >= sl) {
		orders = append(orders, closeOrder(evt, account, pos, size, schema.OrderTypeStop, "stop_loss"))
	}
	return orders
}

// TrailingParams configures the trailing stop distance in price increments.
type TrailingParams struct {
	Limit int64 `json:"limit"`
}

// TrailingStopLoss ratchets a stop level behind the most favourable price
// seen since entry and closes when the tick falls back through it.
type TrailingStopLoss struct {
	Params TrailingParams
}

// GenerateExitOrders implements Strategy.
func (t *TrailingStopLoss) GenerateExitOrders(evt schema.Event, account string, _, tickPx numeric.Px, pos *portfolio.Position, qty numeric.Qty) []*schema.Order {
	if pos.IsFlat() {
		return nil
	}
	isLong := pos.IsLong()
	offset := numeric.Px(t.Params.Limit * int64(pos.PriceIncrement))
	state := &pos.Exit

	improved := !state.HasTickPeak ||
		(isLong && tickPx > state.TickPeak) ||
		(!isLong && tickPx < state.TickPeak)
	if improved {
		state.TickPeak = tickPx
		state.HasTickPeak = true
		if isLong {
			state.TrailingStop = tickPx - offset
		} else {
			state.TrailingStop = tickPx + offset
		}
		state.HasTrailingStop = true
		return nil
	}

	if (isLong && tickPx <= state.TrailingStop) || (!isLong && tickPx >= state.TrailingStop) {
		return []*schema.Order{
			closeOrder(evt, account, pos, closeQty(pos, qty), schema.OrderTypeStop, "trailing_stop"),
		}
	}
	return nil
}
