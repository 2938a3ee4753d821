// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster routes commands between partitions: in-process for
// partitions hosted by the same node and HTTP for remote peers. Delivery is
// at-least-once and unordered; the engine's pending trackers own reliability.
package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxproc/engine"
)

// Envelope is the wire form of a cross-partition command.
type Envelope struct {
	Partition int32              `json:"partition"`
	Kind      engine.CommandKind `json:"kind"`
	Payload   json.RawMessage    `json:"payload"`
}

// EncodeCommand wraps a command into its wire envelope.
func EncodeCommand(partition int32, cmd engine.Command) (*Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return &Envelope{Partition: partition, Kind: cmd.Kind(), Payload: payload}, nil
}

// DecodeCommand unwraps an envelope into its concrete command.
func DecodeCommand(env *Envelope) (engine.Command, error) {
	var cmd engine.Command
	switch env.Kind {
	case engine.KindPublishMessage:
		cmd = &engine.PublishMessage{}
	case engine.KindExpireMessage:
		cmd = &engine.ExpireMessage{}
	case engine.KindCreateSubscription:
		cmd = &engine.CreateSubscription{}
	case engine.KindCorrelateSubscription:
		cmd = &engine.CorrelateSubscription{}
	case engine.KindDeleteSubscription:
		cmd = &engine.DeleteSubscription{}
	case engine.KindRejectCorrelation:
		cmd = &engine.RejectCorrelation{}
	case engine.KindSubscribeElement:
		cmd = &engine.SubscribeElement{}
	case engine.KindUnsubscribeElement:
		cmd = &engine.UnsubscribeElement{}
	case engine.KindOpenProcessSubscription:
		cmd = &engine.OpenProcessSubscription{}
	case engine.KindCloseProcessSubscription:
		cmd = &engine.CloseProcessSubscription{}
	case engine.KindCorrelateProcess:
		cmd = &engine.CorrelateProcessSubscription{}
	default:
		return nil, fmt.Errorf("unknown command kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s command: %w", env.Kind, err)
	}
	return cmd, nil
}
