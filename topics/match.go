// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	// Separator splits topic levels.
	Separator = "/"
	// SingleLevel matches exactly one topic level.
	SingleLevel = "+"
	// MultiLevel matches the parent level and any number of child levels.
	MultiLevel = "#"
)

// TopicMatch reports whether topic matches filter under MQTT wildcard rules.
// Topics starting with '$' are only matched by filters whose first level is
// literal.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	fl := strings.Split(filter, Separator)
	tl := strings.Split(topic, Separator)

	if strings.HasPrefix(topic, "$") && (fl[0] == SingleLevel || fl[0] == MultiLevel) {
		return false
	}

	for i, level := range fl {
		if level == MultiLevel {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != SingleLevel && level != tl[i] {
			return false
		}
	}

	return len(fl) == len(tl)
}

// MatchAny reports whether topic matches at least one of filters.
// An empty filter list matches everything.
func MatchAny(filters []string, topic string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if TopicMatch(f, topic) {
			return true
		}
	}
	return false
}
