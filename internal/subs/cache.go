package subs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coachpo/backsim/internal/observability"
	"github.com/coachpo/backsim/internal/schema"
)

// Cache persists subscription frames per (subscription, interval, session,
// symbol) under `<root>/<entry>/<subscription>/<interval>/<date>/<symbol>.csv`.
// Reads are lock-free; fills lock per target file so concurrent workers
// filling disjoint dates never block each other for long.
type Cache struct {
	Root  string
	Entry string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCache(root, entry string) *Cache {
	return &Cache{Root: root, Entry: entry, locks: make(map[string]*sync.Mutex)}
}

func (c *Cache) path(sub string, interval string, day time.Time, symbol string) string {
	return filepath.Join(c.Root, c.Entry, sub, interval, schema.DateString(day), symbolFile(symbol))
}

func (c *Cache) lockFor(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[path]
	if !ok {
		l = &sync.Mutex{}
		c.locks[path] = l
	}
	return l
}

// Load returns the session frame for the instruments, reading cached files
// and filling gaps from the subscription. Fetched rows are written back per
// symbol so the next run hits the cache.
func (c *Cache) Load(ctx context.Context, sub Subscription, day time.Time, instruments []string, interval string) (*schema.Frame, error) {
	began := time.Now()
	defer func() {
		observability.Telemetry().ObserveHistogram("subs.load.duration",
			float64(time.Since(began).Milliseconds()), map[string]string{"subscription": sub.Name()})
	}()

	out := &schema.Frame{}
	var missing []string
	for _, symbol := range instruments {
		rows, err := ReadRowsCSV(c.path(sub.Name(), interval, day, symbol))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, symbol)
				continue
			}
			return nil, err
		}
		out.Append(rows...)
	}

	if len(missing) > 0 {
		fetched, err := sub.Get(ctx, day, day, missing, interval)
		if err != nil {
			return nil, err
		}
		bySymbol := make(map[string][]schema.Row)
		for _, r := range fetched.Rows {
			bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
		}
		for _, symbol := range missing {
			rows := bySymbol[symbol]
			path := c.path(sub.Name(), interval, day, symbol)
			l := c.lockFor(path)
			l.Lock()
			err := WriteRowsCSV(path, rows)
			l.Unlock()
			if err != nil {
				return nil, err
			}
			out.Append(rows...)
		}
	}

	out.SortStable()
	return out, nil
}

// Missing reports which instruments have no cached file for the session.
func (c *Cache) Missing(sub string, day time.Time, instruments []string, interval string) []string {
	var out []string
	for _, symbol := range instruments {
		if _, err := os.Stat(c.path(sub, interval, day, symbol)); err != nil {
			out = append(out, symbol)
		}
	}
	return out
}
