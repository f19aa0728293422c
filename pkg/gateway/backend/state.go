// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a supervised backend.
type State string

const (
	// StateStopped means no channel exists.
	StateStopped State = "stopped"
	// StateStarting means the backend was launched and awaits its first
	// successful probe.
	StateStarting State = "starting"
	// StateHealthy backends receive traffic.
	StateHealthy State = "healthy"
	// StateUnhealthy backends crossed the failure threshold and receive no
	// traffic until a probe succeeds or a restart completes.
	StateUnhealthy State = "unhealthy"
	// StateRestarting means the channel is being torn down and relaunched.
	StateRestarting State = "restarting"
	// StateFailed is terminal until an administrative restart.
	StateFailed State = "failed"
)

// transitions is the complete table of legal state changes. Every state may
// move to Stopped when the backend is removed or the manager shuts down.
var transitions = map[State][]State{
	StateStopped:    {StateStarting, StateRestarting},
	StateStarting:   {StateHealthy, StateUnhealthy, StateRestarting, StateFailed, StateStopped},
	StateHealthy:    {StateUnhealthy, StateRestarting, StateStopped},
	StateUnhealthy:  {StateHealthy, StateRestarting, StateStopped},
	StateRestarting: {StateHealthy, StateFailed, StateStopped},
	StateFailed:     {StateRestarting, StateStopped},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// errIllegalTransition is returned by the supervisor when a transition is
// not in the table. It signals a bug, not a runtime condition.
func errIllegalTransition(from, to State) error {
	return fmt.Errorf("illegal backend state transition %s -> %s", from, to)
}

// Serving reports whether requests may be dispatched in state s.
func (s State) Serving() bool {
	return s == StateHealthy
}
