// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// maxTopicLength is the MQTT limit for a UTF-8 encoded string.
const maxTopicLength = 65535

// ValidateTopicName checks that topic can be used in a PUBLISH.
func ValidateTopicName(topic string) error {
	if topic == "" || len(topic) > maxTopicLength {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, SingleLevel+MultiLevel+"\u0000") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks that filter can be used in a SUBSCRIBE.
// '+' must occupy a whole level and '#' must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" || len(filter) > maxTopicLength {
		return ErrInvalidTopicFilter
	}
	if !utf8.ValidString(filter) || strings.Contains(filter, "\u0000") {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, Separator)
	for i, level := range levels {
		if strings.Contains(level, MultiLevel) && (level != MultiLevel || i != len(levels)-1) {
			return ErrInvalidTopicFilter
		}
		if strings.Contains(level, SingleLevel) && level != SingleLevel {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}
