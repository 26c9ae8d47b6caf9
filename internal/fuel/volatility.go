package fuel

import "gonum.org/v1/gonum/stat"

// ReadingHistory is a bounded ring of recent raw readings for one
// vehicle, used only to score sensor noisiness. Oldest entries are
// evicted on overflow.
type ReadingHistory struct {
	readings []float64
	max      int
}

// NewReadingHistory creates a history bounded to max readings.
// A max below 2 is raised to 2 so Volatility stays meaningful.
func NewReadingHistory(max int) *ReadingHistory {
	if max < 2 {
		max = 2
	}
	return &ReadingHistory{
		readings: make([]float64, 0, max),
		max:      max,
	}
}

// Add appends a raw reading, evicting the oldest when full.
func (h *ReadingHistory) Add(rawPct float64) {
	h.readings = append(h.readings, rawPct)
	if len(h.readings) > h.max {
		h.readings = h.readings[len(h.readings)-h.max:]
	}
}

// Len returns the number of buffered readings.
func (h *ReadingHistory) Len() int { return len(h.readings) }

// Volatility returns the population standard deviation of the buffered
// readings, or 0 with fewer than two samples.
func (h *ReadingHistory) Volatility() float64 {
	if len(h.readings) < 2 {
		return 0
	}
	return stat.PopStdDev(h.readings, nil)
}

// Readings returns a copy of the buffered readings, oldest first.
func (h *ReadingHistory) Readings() []float64 {
	out := make([]float64, len(h.readings))
	copy(out, h.readings)
	return out
}
