// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// State is the lifecycle phase of a Session.
type State int32

const (
	Unconfigured State = iota
	Configuring
	Starting
	Ready
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configuring:
		return "configuring"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
