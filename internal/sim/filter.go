package sim

import (
	"strconv"
	"strings"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/schema"
)

// eventFilter drops rows failing a conjunction of equality clauses. The
// filter string is `field == value` clauses joined by `and`; supported
// fields are symbol, symbol_id, source, account and event_type.
type eventFilter struct {
	clauses []filterClause
}

type filterClause struct {
	field  string
	negate bool
	value  string
}

func parseEventFilter(expr string) (*eventFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &eventFilter{}, nil
	}
	f := &eventFilter{}
	for _, part := range strings.Split(expr, " and ") {
		part = strings.TrimSpace(part)
		negate := false
		op := "=="
		if strings.Contains(part, "!=") {
			negate = true
			op = "!="
		}
		pieces := strings.SplitN(part, op, 2)
		if len(pieces) != 2 {
			return nil, errs.New("sim/filter", errs.CodeConfig,
				errs.WithMessage("cannot parse clause "+strconv.Quote(part)))
		}
		field := strings.TrimSpace(pieces[0])
		value := strings.Trim(strings.TrimSpace(pieces[1]), `'"`)
		switch field {
		case "symbol", "symbol_id", "source", "account", "event_type":
		default:
			return nil, errs.New("sim/filter", errs.CodeConfig,
				errs.WithMessage("unsupported filter field "+field))
		}
		f.clauses = append(f.clauses, filterClause{field: field, negate: negate, value: value})
	}
	return f, nil
}

// Apply returns the frame with non-matching rows removed. An empty filter
// returns the frame unchanged.
func (f *eventFilter) Apply(frame *schema.Frame) *schema.Frame {
	if len(f.clauses) == 0 {
		return frame
	}
	out := &schema.Frame{}
	for i := range frame.Rows {
		if f.match(&frame.Rows[i]) {
			out.Append(frame.Rows[i])
		}
	}
	return out
}

func (f *eventFilter) match(r *schema.Row) bool {
	for _, c := range f.clauses {
		var got string
		switch c.field {
		case "symbol":
			got = r.Symbol
		case "symbol_id":
			got = strconv.FormatInt(r.SymbolID, 10)
		case "source":
			got = r.Source
		case "account":
			got = r.Account
		case "event_type":
			got = string(r.EventType)
		}
		if (got == c.value) == c.negate {
			return false
		}
	}
	return true
}
