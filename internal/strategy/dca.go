package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// DCAParams schedules fixed-size buys.
type DCAParams struct {
	ContractQty float64 `json:"contract_qty"`
	Freq        int     `json:"freq"`
	FreqUnit    string  `json:"freq_unit"` // minutes, hours, days, weeks, months
	Day         string  `json:"day"`       // weekday of the first buy
	Time        string  `json:"time"`      // HH:MM wall time of the first buy
}

// DCA accumulates a position by buying a fixed quantity on a fixed schedule,
// starting from the first configured weekday on or after the run start.
type DCA struct {
	base
	Params DCAParams

	start    time.Time
	nextBuy  int64 // unix millis of the next scheduled buy, 0 until armed
}

func (s *DCA) Update(_ context.Context, day time.Time) error {
	if s.nextBuy != 0 {
		return nil
	}
	anchor := day
	if !s.start.IsZero() && s.start.Before(anchor) {
		anchor = s.start
	}
	s.nextBuy = s.firstBuy(anchor).UnixMilli()
	return nil
}

// firstBuy finds the first scheduled instant on or after from.
func (s *DCA) firstBuy(from time.Time) time.Time {
	loc := from.Location()
	hour, minute := 0, 0
	if parts := strings.SplitN(s.Params.Time, ":", 2); len(parts) == 2 {
		hour = atoi(parts[0])
		minute = atoi(parts[1])
	}
	at := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, loc)
	want := weekday(s.Params.Day)
	for at.Weekday() != want || at.Before(from) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (s *DCA) OnState(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	if !s.wants(hdr.Symbol) || !evt.HasPrice() {
		return nil
	}
	switch evt.Type() {
	case schema.EventTypeMarketData, schema.EventTypeClosingPrice:
		if s.nextBuy != 0 && hdr.TimestampMillis >= s.nextBuy {
			s.advance()
			return []*schema.Order{openOrder(evt, s.account, numeric.QtyFromFloat(s.Params.ContractQty), schema.OrderTypeReduce, "dca_buy")}
		}
		return s.exitOrders(pf, evt)
	}
	return nil
}

func (s *DCA) advance() {
	next := time.UnixMilli(s.nextBuy).In(time.UTC)
	n := s.Params.Freq
	if n <= 0 {
		n = 1
	}
	switch s.Params.FreqUnit {
	case "minutes":
		next = next.Add(time.Duration(n) * time.Minute)
	case "hours":
		next = next.Add(time.Duration(n) * time.Hour)
	case "weeks":
		next = next.AddDate(0, 0, 7*n)
	case "months":
		next = next.AddDate(0, n, 0)
	default: // days
		next = next.AddDate(0, 0, n)
	}
	s.nextBuy = next.UnixMilli()
}

func (s *DCA) Filter(instrument string) Strategy {
	cp := *s
	cp.base = s.base.filtered(instrument)
	return &cp
}

func atoi(v string) int {
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func weekday(name string) time.Weekday {
	switch strings.ToLower(name) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	case "sunday":
		return time.Sunday
	default:
		return time.Monday
	}
}
