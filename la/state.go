// Package la holds the distributed structures assembly writes into: a CSR
// matrix over owned rows, a vector over owned and ghost entries and a
// scalar. Contributions to rows owned by another rank are stashed and moved
// to their owner when the structure is finalized.
package la

import (
	"fmt"
	"sync"
)

// State is the assembly lifecycle of a structure
type State int

const (
	Unassembled State = iota
	AccumulatingCore
	AccumulatingHalo
	Finalized
	BCApplied
)

func (s State) String() string {
	switch s {
	case Unassembled:
		return "unassembled"
	case AccumulatingCore:
		return "accumulating-core"
	case AccumulatingHalo:
		return "accumulating-halo"
	case Finalized:
		return "finalized"
	case BCApplied:
		return "bc-applied"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Structure is what the assembler and boundary conditions drive
type Structure interface {
	State() State
	BeginCore() error
	BeginHalo() error
	// Abort discards partial contributions after a failed assembly
	Abort()
	Reset()
}

// lifecycle guards the state transitions shared by every structure
type lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) transition(from []State, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range from {
		if l.state == s {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("cannot move from %s to %s", l.state, to)
}

func (l *lifecycle) set(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *lifecycle) BeginCore() error {
	return l.transition([]State{Unassembled}, AccumulatingCore)
}

func (l *lifecycle) BeginHalo() error {
	return l.transition([]State{AccumulatingCore}, AccumulatingHalo)
}

// MarkBCApplied records that boundary conditions changed a finalized
// structure
func (l *lifecycle) MarkBCApplied() error {
	return l.transition([]State{Finalized, BCApplied}, BCApplied)
}

func (l *lifecycle) accumulating() error {
	switch s := l.State(); s {
	case AccumulatingCore, AccumulatingHalo:
		return nil
	default:
		return fmt.Errorf("add to a structure in state %s", s)
	}
}

func (l *lifecycle) finalized() error {
	switch s := l.State(); s {
	case Finalized, BCApplied:
		return nil
	default:
		return fmt.Errorf("structure is %s, not finalized", s)
	}
}
