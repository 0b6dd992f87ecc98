// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
)

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send delivers payload to url. The deadline is carried by ctx.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}

// Stats are cumulative delivery counters.
type Stats struct {
	Queued    uint64
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}
