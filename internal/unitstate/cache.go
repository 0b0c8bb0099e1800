// Package unitstate polls systemd units and reports whether each one is
// active. It resolves unit names to bus handles once, reads ActiveState on
// every tick and turns the result into a 1/0 gauge.
package unitstate

import (
	"context"
	"errors"

	logx "unitgauge/pkg/logx"
	"unitgauge/pkg/systemdbus"
)

// Entry is a cache slot: either a resolved unit handle or broken.
type Entry struct {
	unit   systemdbus.Unit
	reason error
}

func resolvedEntry(u systemdbus.Unit) Entry { return Entry{unit: u} }
func brokenEntry(err error) Entry         { return Entry{reason: err} }

// Broken reports whether resolution failed for this entry.
func (e Entry) Broken() bool { return e.unit == nil }

// Unit returns the handle, or nil for broken entries.
func (e Entry) Unit() systemdbus.Unit { return e.unit }

// Reason is the resolution failure of a broken entry.
func (e Entry) Reason() error { return e.reason }

var errNoHandle = errors.New("bus returned no unit handle")

// Cache memoizes the first resolution outcome per unit name for the life of
// the process. A broken entry is never resolved again.
//
// Cache is not safe for concurrent use; the host never runs two reads at
// once.
type Cache struct {
	bus     systemdbus.Bus
	log     logx.Logger
	entries map[string]Entry
}

func NewCache(bus systemdbus.Bus, log logx.Logger) *Cache {
	return &Cache{bus: bus, log: log, entries: map[string]Entry{}}
}

// Resolve returns the cached entry for name, resolving it on first use.
// Failures are logged once and stored as broken; they are not returned.
// A failure while ctx is done yields a broken entry for this call only.
func (c *Cache) Resolve(ctx context.Context, name string) Entry {
	if e, ok := c.entries[name]; ok {
		return e
	}

	u, err := c.bus.ResolveUnit(ctx, name)
	if err == nil && u == nil {
		err = errNoHandle
	}
	if err != nil && ctx.Err() != nil {
		// The caller ran out of time; the unit itself may be fine.
		c.log.Debug("unit resolve interrupted", logx.String("unit", name), logx.Err(err))
		return brokenEntry(err)
	}
	if err != nil {
		c.log.Warn("failed to monitor unit",
			logx.String("unit", name),
			logx.Bool("not_loaded", systemdbus.IsNoSuchUnit(err)),
			logx.Err(err),
		)
		e := brokenEntry(err)
		c.entries[name] = e
		return e
	}

	e := resolvedEntry(u)
	c.entries[name] = e
	return e
}

// Len is the number of distinct names resolved so far.
func (c *Cache) Len() int { return len(c.entries) }
