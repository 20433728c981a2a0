package schema

import "time"

// DefaultSessionZone is the exchange zone used to derive trading sessions
// when the plan does not configure one.
const DefaultSessionZone = "America/New_York"

// DefaultSessionBoundaryHour is the local hour at which one trading session
// ends and the next begins.
const DefaultSessionBoundaryHour = 17

// SessionClock derives trading sessions from event timestamps.
type SessionClock struct {
	loc      *time.Location
	boundary int
}

// NewSessionClock builds a session clock for the named zone. An empty zone
// selects the default exchange zone; a non-positive boundary selects 17:00.
func NewSessionClock(zone string, boundaryHour int) (*SessionClock, error) {
	if zone == "" {
		zone = DefaultSessionZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}
	if boundaryHour <= 0 {
		boundaryHour = DefaultSessionBoundaryHour
	}
	return &SessionClock{loc: loc, boundary: boundaryHour}, nil
}

// Location exposes the exchange zone.
func (c *SessionClock) Location() *time.Location { return c.loc }

// BoundaryHour exposes the session boundary hour.
func (c *SessionClock) BoundaryHour() int { return c.boundary }

// Session returns the trading-session date for a millisecond timestamp. A
// tick at or after the boundary hour local time belongs to the next business
// day; weekend ticks roll forward to Monday.
func (c *SessionClock) Session(timestampMillis int64) time.Time {
	local := time.UnixMilli(timestampMillis).In(c.loc)
	session := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	if local.Hour() >= c.boundary {
		session = session.AddDate(0, 0, 1)
	}
	for session.Weekday() == time.Saturday || session.Weekday() == time.Sunday {
		session = session.AddDate(0, 0, 1)
	}
	return session
}

// SessionEnd returns the instant at which the given session closes.
func (c *SessionClock) SessionEnd(session time.Time) time.Time {
	day := session
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), c.boundary, 0, 0, 0, c.loc)
}

// Date truncates t to a UTC calendar date.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateString formats a session date for output rows and cache paths.
func DateString(t time.Time) string { return t.Format("2006-01-02") }
