// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/absmach/hubgate/topics"
)

// Publish sends data to topic with QoS 0 and no retain flag.
func (s *Session) Publish(ctx context.Context, topic string, data any) error {
	return s.PublishQoS(ctx, topic, data, 0, false)
}

// PublishQoS sends a broker-originated packet to topic. data may be []byte,
// string or json.RawMessage; any other value is JSON encoded. A retained
// packet replaces the previous retained packet of topic.
func (s *Session) PublishQoS(ctx context.Context, topic string, data any, qos byte, retain bool) error {
	if s.State() != Ready {
		return ErrNotReady
	}
	if qos > 2 || int(qos) > s.cfg.Broker.MaxQoS {
		return ErrInvalidQoS
	}
	if err := topics.ValidateTopicName(topic); err != nil {
		return err
	}
	payload, err := encodePayload(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotReady
	}

	pkt := Packet{Topic: topic, Payload: payload, QoS: qos, Retain: retain}
	if err := t.Publish(ctx, pkt); err != nil {
		terr := &TransportError{Op: "publish", Err: err}
		s.logger.Warn("publish failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
		s.hooks.report(terr)
		return terr
	}

	s.metrics.RecordPublish(qos, retain, len(payload))
	return nil
}

func encodePayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return b, nil
	}
}
