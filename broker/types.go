// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"strconv"
	"time"
)

// Action names used in decisions, logs and metrics.
const (
	ActionConnect   = "connect"
	ActionSubscribe = "subscribe"
	ActionPublish   = "publish"
)

// Client identifies a connected client. Handle is assigned by the transport
// and distinguishes successive connections that reuse the same ID.
type Client struct {
	ID          string
	Username    string
	RemoteAddr  string
	Listener    string
	Handle      uint64
	ConnectedAt time.Time
}

func (c Client) key() string {
	return c.ID + "#" + strconv.FormatUint(c.Handle, 10)
}

// Packet is a PUBLISH as seen by the hub. ClientID is empty for packets
// originated by the broker itself.
type Packet struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	ClientID string
}

// Subscription is an accepted subscribe request.
type Subscription struct {
	Filter string
	QoS    byte
}

// Outcome is the result class of an authorization check.
type Outcome uint8

const (
	// Deny is the zero value so an unset Decision never grants access.
	Deny Outcome = iota
	Allow
	Error
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Error:
		return "error"
	default:
		return "deny"
	}
}

// Decision is the resolved outcome of an authorization check. Err is set
// only when Outcome is Error, which the transport treats as deny.
type Decision struct {
	Outcome Outcome
	Err     error
}

// Allowed reports whether the action may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

func allowed() Decision { return Decision{Outcome: Allow} }

func denied() Decision { return Decision{Outcome: Deny} }

func failed(err error) Decision { return Decision{Outcome: Error, Err: err} }
