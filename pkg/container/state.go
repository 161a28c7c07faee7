// Package container implements the Container State Machine (spec.md
// §4.6): the five-state transition table and the Start/Stop/Exit/Respawn
// protocols, wired to pkg/property, pkg/cgroup, pkg/netclass, and
// pkg/kvstore.
//
// The StateString/valid/transition table in the teacher's
// pkg/micantainer/states.go (six RTOS-specific states: ready, running,
// stopped, creating, paused, down) is generalized here to the five
// states spec.md §3/§4.6 names for this domain (Stopped, Running, Meta,
// Paused, Dead) and the transition table in spec.md §4.6, following the
// same "type with a transition method returning an InvalidState-shaped
// error" structure.
package container

import (
	er "porto/errors"
	"porto/pkg/property"
)

// State re-exports property.State so callers of this package don't need
// to import pkg/property just to name a state; pkg/property has no
// notion of the state machine beyond gating, so the direction of re-use
// is deliberate.
type State = property.State

const (
	Stopped State = property.StateStopped
	Running State = property.StateRunning
	Meta    State = property.StateMeta
	Paused  State = property.StatePaused
	Dead    State = property.StateDead
)

// Op names an operation for error messages and transition lookups.
type Op string

const (
	OpStart   Op = "Start"
	OpStop    Op = "Stop"
	OpPause   Op = "Pause"
	OpResume  Op = "Resume"
	OpExit    Op = "Exit"
	OpRespawn Op = "Respawn"
	OpDestroy Op = "Destroy"
)

// transitions enumerates every allowed (from, op) -> to edge from
// spec.md §4.6's table. Running and Meta are treated as the same "has a
// task, possibly none of its own" class for edges that apply to both.
var transitions = map[State]map[Op][]State{
	Stopped: {
		OpStart:   {Running, Meta},
		OpDestroy: nil, // removed; handled specially, see Validate
	},
	Running: {
		OpPause: {Paused},
		OpExit:  {Dead},
		OpStop:  {Stopped},
	},
	Meta: {
		OpPause: {Paused},
		OpExit:  {Dead},
		OpStop:  {Stopped},
	},
	Paused: {
		OpResume: {Running, Meta},
		OpStop:   {Stopped},
	},
	Dead: {
		OpRespawn: {Running},
		OpStop:    {Stopped},
		OpDestroy: nil,
	},
}

// Validate reports whether op is legal from state, per the table above.
// It does not decide *which* of the listed target states is reached —
// that is the calling protocol's job (e.g. Start picks Running vs Meta
// based on whether command is empty).
func Validate(state State, op Op) error {
	ops, ok := transitions[state]
	if !ok {
		return er.New(er.InvalidState, string(op), "unknown state %s", state)
	}
	if op == OpDestroy {
		if state == Stopped || state == Dead {
			return nil
		}
		return er.New(er.InvalidState, string(op), "cannot destroy from state %s", state)
	}
	if _, legal := ops[op]; !legal {
		return er.New(er.InvalidState, string(op), "cannot %s from state %s", op, state)
	}
	return nil
}

// IsTaskState reports whether a container in this state owns (or once
// owned) a running task slot — i.e. Running or Meta.
func IsTaskState(s State) bool {
	return s == Running || s == Meta
}
