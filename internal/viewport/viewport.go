// Package viewport decides how the message view reacts to store mutations:
// jump before paint, scroll smoothly after paint, or leave the reader alone.
package viewport

import (
	"sync"

	"parley/internal/conversation"
)

const DefaultBottomThreshold = 48

// Decision is what the renderer should do with the scroll position.
type Decision int

const (
	// KeepPosition leaves the viewport untouched; the reader is presumed to
	// be reviewing history.
	KeepPosition Decision = iota
	// JumpPrePaint jumps instantly to the bottom before the next paint, so
	// no intermediate position is ever visible.
	JumpPrePaint
	// SmoothScroll animates to the bottom after paint.
	SmoothScroll
)

// Controller observes store size/identity changes, never content. It tracks
// the live distance from the bottom reported by the renderer and the message
// count of the last observed state.
type Controller struct {
	BottomThreshold int

	mu         sync.Mutex
	offset     int
	count      int
	everLoaded bool
}

func NewController(threshold int) *Controller {
	if threshold <= 0 {
		threshold = DefaultBottomThreshold
	}
	return &Controller{BottomThreshold: threshold}
}

// SetOffset records the current scroll distance from the bottom of the view.
// The renderer calls it on every user scroll.
func (c *Controller) SetOffset(fromBottom int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fromBottom < 0 {
		fromBottom = 0
	}
	c.offset = fromBottom
}

// Observe maps one store change to a scroll decision.
//
// The first load of a conversation and a locally appended optimistic message
// run in the pre-paint phase: an instant jump, so neither the initial history
// nor the just-sent message visibly shifts. Organic arrivals run post-paint:
// smooth scroll only if the reader was already near the bottom. In-place
// merges never move the viewport; the list length did not grow.
func (c *Controller) Observe(change conversation.Change) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevCount := c.count
	c.count = change.Count

	switch change.Kind {
	case conversation.ChangeInitial:
		c.everLoaded = true
		return JumpPrePaint

	case conversation.ChangeOptimistic:
		return JumpPrePaint

	case conversation.ChangeOrganic:
		if change.Count <= prevCount {
			// Orphan cleanup can shrink the list on an organic append.
			return KeepPosition
		}
		if c.offset <= c.BottomThreshold {
			return SmoothScroll
		}
		return KeepPosition

	default: // ChangeMerge, ChangeRollback
		return KeepPosition
	}
}

// Count returns the tracked message count of the last observed change.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
