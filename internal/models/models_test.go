package models

import "testing"

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		ok       bool
	}{
		{StateQueued, StateValidating, true},
		{StateValidating, StateCommitting, true},
		{StateCommitting, StatePublishing, true},
		{StatePublishing, StateCommitted, true},
		{StateQueued, StateCommitting, false},
		{StateValidating, StateQueued, false},
		{StateCommitting, StateCommitting, true}, // stage retry
		{StateCommitting, StateFailed, true},
		{StateCommitted, StateFailed, false},
		{StateFailed, StateValidating, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Fatalf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []JobState{StateQueued, StateValidating, StateCommitting, StatePublishing} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	for _, s := range []JobState{StateCommitted, StateFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}
