package sync

import (
	"fmt"
	"slices"
)

// Phase is a sync engine state.
type Phase string

const (
	Idle       Phase = "IDLE"
	Fetching   Phase = "FETCHING"
	Applying   Phase = "APPLYING"
	BackingOff Phase = "BACKING_OFF"
	Disposed   Phase = "DISPOSED"
)

// validTransitions defines allowed engine phase transitions.
var validTransitions = map[Phase][]Phase{
	Idle:       {Fetching, Disposed},
	Fetching:   {Applying, BackingOff, Idle, Disposed},
	Applying:   {Idle, Disposed},
	BackingOff: {Fetching, Idle, Disposed},
	Disposed:   {},
}

func checkTransition(from, to Phase) error {
	if from == to {
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
