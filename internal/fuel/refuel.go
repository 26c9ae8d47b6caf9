package fuel

import (
	"sync"
	"time"
)

// RefuelBuffer accumulates consecutive rising jumps for one vehicle into
// a single logical refuel. Pump deliveries arrive as a burst of partial
// jumps over several readings; consolidating them avoids a stream of
// tiny refuel events.
type RefuelBuffer struct {
	VehicleID    string
	GallonsAdded float64
	StartPct     float64
	EndPct       float64
	FirstJumpAt  time.Time
	LastJumpAt   time.Time
	JumpCount    int
	Latitude     *float64
	Longitude    *float64
}

// RefuelConsolidator manages per-vehicle refuel buffers. Jumps within
// the consolidation window merge; a jump outside it finalizes the old
// buffer and opens a new one. FlushStale force-finalizes buffers so a
// refuel is never held open indefinitely.
type RefuelConsolidator struct {
	window time.Duration
	maxAge time.Duration

	buffers map[string]*RefuelBuffer
	mu      sync.Mutex
}

// NewRefuelConsolidator creates a consolidator with the given merge
// window and buffer max age.
func NewRefuelConsolidator(window, maxAge time.Duration) *RefuelConsolidator {
	return &RefuelConsolidator{
		window:  window,
		maxAge:  maxAge,
		buffers: make(map[string]*RefuelBuffer),
	}
}

// AddJump records a rising jump for the vehicle at ts. If an open buffer
// exists and the jump falls within the consolidation window of the last
// jump, it merges. If the window has elapsed, the old buffer is
// finalized and returned while a new one opens with this jump; otherwise
// nil is returned.
func (c *RefuelConsolidator) AddJump(vehicleID string, gallons, beforePct, afterPct float64, ts time.Time, lat, lon *float64) *RefuelBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[vehicleID]
	if ok && ts.Sub(buf.LastJumpAt) <= c.window {
		buf.GallonsAdded += gallons
		buf.EndPct = afterPct
		buf.LastJumpAt = ts
		buf.JumpCount++
		if lat != nil && lon != nil {
			buf.Latitude, buf.Longitude = lat, lon
		}
		return nil
	}

	c.buffers[vehicleID] = &RefuelBuffer{
		VehicleID:    vehicleID,
		GallonsAdded: gallons,
		StartPct:     beforePct,
		EndPct:       afterPct,
		FirstJumpAt:  ts,
		LastJumpAt:   ts,
		JumpCount:    1,
		Latitude:     lat,
		Longitude:    lon,
	}
	if ok {
		return buf // the out-of-window buffer, finalized
	}
	return nil
}

// FlushStale finalizes and returns every buffer whose last jump is older
// than the max age at now. Called periodically from the tick loop.
func (c *RefuelConsolidator) FlushStale(now time.Time) []*RefuelBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var flushed []*RefuelBuffer
	for id, buf := range c.buffers {
		if now.Sub(buf.LastJumpAt) > c.maxAge {
			flushed = append(flushed, buf)
			delete(c.buffers, id)
		}
	}
	return flushed
}

// FlushAll finalizes and returns every open buffer. Used on shutdown so
// an in-progress refuel is not lost.
func (c *RefuelConsolidator) FlushAll() []*RefuelBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	flushed := make([]*RefuelBuffer, 0, len(c.buffers))
	for id, buf := range c.buffers {
		flushed = append(flushed, buf)
		delete(c.buffers, id)
	}
	return flushed
}

// Open returns a copy of the vehicle's open buffer, if any.
func (c *RefuelConsolidator) Open(vehicleID string) (RefuelBuffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[vehicleID]
	if !ok {
		return RefuelBuffer{}, false
	}
	return *buf, true
}
