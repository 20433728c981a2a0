// Package subs loads subscription data frames and caches them per session
// on disk.
package subs

import (
	"context"
	"time"

	"github.com/coachpo/backsim/internal/schema"
)

// Subscription is a pluggable source of event rows.
type Subscription interface {
	// Name identifies the subscription in cache paths and logs.
	Name() string
	// Subscribe prepares the source; called once before the first Get.
	Subscribe(ctx context.Context) error
	// Get returns the rows for the instruments across [start, end],
	// inclusive of both sessions, time ordered.
	Get(ctx context.Context, start, end time.Time, instruments []string, interval string) (*schema.Frame, error)
	// LoadBySession reports whether the source wants per-day lazy loads
	// instead of one range load.
	LoadBySession() bool
}
