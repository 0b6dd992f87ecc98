// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const sharePrefix = "$share/"

// ParseShared splits a shared subscription filter of the form
// $share/{group}/{filter}. Non-shared or malformed filters are returned
// unchanged with isShared false.
func ParseShared(filter string) (group, topicFilter string, isShared bool) {
	if !strings.HasPrefix(filter, sharePrefix) {
		return "", filter, false
	}

	parts := strings.SplitN(filter[len(sharePrefix):], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", filter, false
	}

	return parts[0], parts[1], true
}

// IsShared returns true if the filter is a shared subscription.
func IsShared(filter string) bool {
	_, _, ok := ParseShared(filter)
	return ok
}

// Unshare returns the topic filter behind a shared subscription, or filter
// itself when it is not shared.
func Unshare(filter string) string {
	_, f, _ := ParseShared(filter)
	return f
}
