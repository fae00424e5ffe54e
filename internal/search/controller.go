// Package search implements the bounded duty cycle that gates how often the
// driver agent polls for available rides: short active bursts, long pauses,
// and a hard ceiling on continuous searching so an idle driver's client is
// not hammering the backend forever.
package search

import (
	"sync"
	"time"
)

type State int

const (
	// Idle: offline, ride accepted, or the max-search ceiling was hit.
	Idle State = iota
	// ActiveSearch: polling is allowed; also asserted whenever rides are
	// visible, regardless of where the burst timer stands.
	ActiveSearch
	// Paused: between bursts, waiting out the pause window.
	Paused
)

func (s State) String() string {
	switch s {
	case ActiveSearch:
		return "active"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

// Params are the duty-cycle durations. They arrive from configuration, not
// literals baked into transition logic.
type Params struct {
	Active time.Duration // length of one polling burst
	Pause  time.Duration // gap between bursts
	Max    time.Duration // total continuous search time before giving up
}

// Controller owns no network calls and no goroutines of its own; callers
// advance it with a clock and ask whether polling is currently allowed.
// Every timer it conceptually holds is a deadline field, so teardown is a
// single Stop with nothing left running.
type Controller struct {
	mu     sync.Mutex
	params Params

	state        State
	ridesVisible bool
	cycle        int
	maxReached   bool

	searchStart time.Time // first entered ActiveSearch since (re)start
	phaseEnds   time.Time // current burst or pause deadline
}

func NewController(p Params) *Controller {
	return &Controller{params: p}
}

// Start enters ActiveSearch. Called when the driver goes online with no
// accepted ride, and by an explicit restart after the ceiling was hit.
func (c *Controller) Start(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ActiveSearch
	c.cycle = 0
	c.maxReached = false
	c.searchStart = now
	c.phaseEnds = now.Add(c.params.Active)
}

// Stop forces Idle: offline, or a ride was accepted. All deadlines are
// dropped and the cycle counter resets.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.cycle = 0
	c.ridesVisible = false
	c.searchStart = time.Time{}
	c.phaseEnds = time.Time{}
}

// SetRidesVisible tells the controller whether the available list is
// non-empty. Visible rides assert ActiveSearch immediately, abandoning any
// pause deadline.
func (c *Controller) SetRidesVisible(visible bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ridesVisible = visible
	if visible && c.state == Paused {
		c.state = ActiveSearch
		c.phaseEnds = now.Add(c.params.Active)
	}
}

// Advance applies time-driven transitions. Call it from a ticker loop in
// production or with synthetic clocks in tests.
func (c *Controller) Advance(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Idle {
		return
	}

	// Hard ceiling since the search first went active, regardless of which
	// phase we are in.
	if now.Sub(c.searchStart) >= c.params.Max {
		c.state = Idle
		c.maxReached = true
		c.phaseEnds = time.Time{}
		return
	}

	switch c.state {
	case ActiveSearch:
		// Visible rides hold the search open; the burst deadline only
		// matters while nothing is on the list.
		if c.ridesVisible {
			return
		}
		if !now.Before(c.phaseEnds) {
			c.state = Paused
			c.phaseEnds = now.Add(c.params.Pause)
		}
	case Paused:
		if c.ridesVisible || !now.Before(c.phaseEnds) {
			c.state = ActiveSearch
			c.cycle++
			c.phaseEnds = now.Add(c.params.Active)
		}
	}
}

// IsSearching reports whether polling should happen right now. Rides on the
// list count as an active, visible search state.
func (c *Controller) IsSearching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ActiveSearch
}

// NextBurstIn returns how long until polling resumes: zero while actively
// searching or while rides are present, the remaining pause otherwise.
func (c *Controller) NextBurstIn(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused || c.ridesVisible {
		return 0
	}
	d := c.phaseEnds.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// MaxReached reports whether the continuous-search ceiling was hit. It
// stays latched until Start is called again.
func (c *Controller) MaxReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxReached
}

func (c *Controller) Cycle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycle
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
