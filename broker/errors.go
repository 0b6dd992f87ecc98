// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady is returned by operations that require a Ready session.
	ErrNotReady = errors.New("broker session is not ready")

	// ErrAlreadyStarted is returned by Setup on a session that left Unconfigured.
	ErrAlreadyStarted = errors.New("broker session already started")

	// ErrInvalidQoS is returned for a QoS outside 0..2 or above the configured maximum.
	ErrInvalidQoS = errors.New("invalid qos")

	// ErrNoTransport is returned by Setup when no transport factory is configured.
	ErrNoTransport = errors.New("no transport configured")

	// ErrNoStore is returned by Setup when no store factory is configured.
	ErrNoStore = errors.New("no store configured")
)

// PolicyError reports a policy hook that failed or panicked.
type PolicyError struct {
	Action   string
	ClientID string
	Err      error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s policy failed for client %q: %v", e.Action, e.ClientID, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a policy hook that did not decide within its budget.
type TimeoutError struct {
	Action   string
	ClientID string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s policy for client %q timed out after %s", e.Action, e.ClientID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// TransportError wraps a failure reported by the transport layer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HookError reports a notification hook or notifier that failed or panicked.
type HookError struct {
	Hook     string
	ClientID string
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook failed for client %q: %v", e.Hook, e.ClientID, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
