package exitstrategy

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// ProfitRunningParams configures the partial-profit ladder. Limits are in
// price increments; CutRatio is the fraction of the net position closed at
// each take-profit breach.
type ProfitRunningParams struct {
	StopLoss     int64           `json:"stoploss"`
	TakeProfit   int64           `json:"takeprofit"`
	CutRatio     decimal.Decimal `json:"cut_ratio"`
	MinTradeSize int64           `json:"min_trade_size"`
}

// ProfitRunning reprices its basis off the lots' running prices each tick:
// a take-profit breach closes a slice and lifts every lot's running price to
// the breached level; a stop-loss breach closes the whole position.
type ProfitRunning struct {
	Params ProfitRunningParams
}

func (p *ProfitRunning) runningAvg(pos *portfolio.Position) numeric.Px {
	var cost, qty int64
	for _, lot := range pos.Lots {
		cost += int64(lot.RunningPrice) * int64(lot.Quantity)
		qty += int64(lot.Quantity)
	}
	if qty == 0 {
		return 0
	}
	avg := cost / qty
	if (cost%qty != 0) && ((cost < 0) != (qty < 0)) {
		avg--
	}
	return numeric.Px(avg)
}

// GenerateExitOrders implements Strategy.
func (p *ProfitRunning) GenerateExitOrders(evt schema.Event, account string, _, tickPx numeric.Px, pos *portfolio.Position, qty numeric.Qty) []*schema.Order {
	if pos.IsFlat() {
		return nil
	}
	isLong := pos.IsLong()
	inc := int64(pos.PriceIncrement)
	avg := p.runningAvg(pos)

	var sl, tp numeric.Px
	if isLong {
		tp = avg + numeric.Px(p.Params.TakeProfit*inc)
		sl = avg - numeric.Px(p.Params.StopLoss*inc)
	} else {
		tp = avg - numeric.Px(p.Params.TakeProfit*inc)
		sl = avg + numeric.Px(p.Params.StopLoss*inc)
	}

	if (isLong && tickPx >= tp) || (!isLong && tickPx <= tp) {
		contracts := pos.NetPosition.Abs().Decimal().Mul(p.Params.CutRatio).Ceil().IntPart()
		if contracts < p.Params.MinTradeSize {
			contracts = p.Params.MinTradeSize
		}
		cut := numeric.QtyFromContracts(contracts)
		if cut > pos.NetPosition.Abs() {
			cut = pos.NetPosition.Abs()
		}
		if isLong {
			cut = -cut
		}
		for _, lot := range pos.Lots {
			lot.RunningPrice = tp
		}
		return []*schema.Order{
			closeOrder(evt, account, pos, cut, schema.OrderTypeReduce, "profit_running"),
		}
	}

	if (isLong && tickPx <= sl) || (!isLong && tickPx >= sl) {
		return []*schema.Order{
			closeOrder(evt, account, pos, closeQty(pos, qty), schema.OrderTypeStop, "profit_running_stop"),
		}
	}
	return nil
}

// PassiveParams configures the skewed touch close in price increments.
type PassiveParams struct {
	SkewBy int64 `json:"skew_by"`
}

// Passive rests a closing level skewed away from the first tick and closes
// when the opposing side of the book trades through it.
type Passive struct {
	Params PassiveParams
}

// GenerateExitOrders implements Strategy.
func (p *Passive) GenerateExitOrders(evt schema.Event, account string, _, tickPx numeric.Px, pos *portfolio.Position, qty numeric.Qty) []*schema.Order {
	if pos.IsFlat() {
		return nil
	}
	isLong := pos.IsLong()
	state := &pos.Exit

	if !state.HasLastPrice {
		skew := numeric.Px(p.Params.SkewBy * int64(pos.PriceIncrement))
		if isLong {
			state.LastPrice = tickPx + skew
		} else {
			state.LastPrice = tickPx - skew
		}
		state.HasLastPrice = true
		return nil
	}
	state.HoldTime++

	md, ok := evt.(*schema.MarketData)
	if !ok {
		return nil
	}
	crossed := (isLong && md.HasBid && md.BidPx >= state.LastPrice) ||
		(!isLong && md.HasAsk && md.AskPx <= state.LastPrice)
	if !crossed {
		return nil
	}
	o := closeOrder(evt, account, pos, closeQty(pos, qty), schema.OrderTypePassive, "passive_exit")
	o.SetPrice(state.LastPrice)
	return []*schema.Order{o}
}
