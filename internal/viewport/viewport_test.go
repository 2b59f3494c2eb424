package viewport

import (
	"testing"

	"parley/internal/conversation"
)

func TestObserve_InitialLoadJumps(t *testing.T) {
	c := NewController(0)
	if d := c.Observe(conversation.Change{Kind: conversation.ChangeInitial, Count: 40}); d != JumpPrePaint {
		t.Errorf("initial load: expected JumpPrePaint, got %v", d)
	}
	if c.Count() != 40 {
		t.Errorf("expected tracked count 40, got %d", c.Count())
	}
}

func TestObserve_OptimisticJumpsRegardlessOfOffset(t *testing.T) {
	c := NewController(0)
	c.Observe(conversation.Change{Kind: conversation.ChangeInitial, Count: 10})
	c.SetOffset(5000) // reader is deep in history

	if d := c.Observe(conversation.Change{Kind: conversation.ChangeOptimistic, Count: 11}); d != JumpPrePaint {
		t.Errorf("own send: expected JumpPrePaint, got %v", d)
	}
}

func TestObserve_OrganicNearBottomScrollsSmoothly(t *testing.T) {
	c := NewController(48)
	c.Observe(conversation.Change{Kind: conversation.ChangeInitial, Count: 10})
	c.SetOffset(20)

	if d := c.Observe(conversation.Change{Kind: conversation.ChangeOrganic, Count: 11}); d != SmoothScroll {
		t.Errorf("organic near bottom: expected SmoothScroll, got %v", d)
	}
}

func TestObserve_OrganicAwayFromBottomKeepsPosition(t *testing.T) {
	c := NewController(48)
	c.Observe(conversation.Change{Kind: conversation.ChangeInitial, Count: 10})
	c.SetOffset(500)

	if d := c.Observe(conversation.Change{Kind: conversation.ChangeOrganic, Count: 11}); d != KeepPosition {
		t.Errorf("organic away from bottom: expected KeepPosition, got %v", d)
	}
	if c.Count() != 11 {
		t.Errorf("count must still be tracked, got %d", c.Count())
	}
}

func TestObserve_MergeNeverMovesViewport(t *testing.T) {
	c := NewController(48)
	c.Observe(conversation.Change{Kind: conversation.ChangeInitial, Count: 10})
	c.SetOffset(0) // even at the very bottom

	if d := c.Observe(conversation.Change{Kind: conversation.ChangeMerge, Count: 10}); d != KeepPosition {
		t.Errorf("in-place merge: expected KeepPosition, got %v", d)
	}
}
