// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxproc/engine"
)

func TestCodecRoundTrip(t *testing.T) {
	commands := []engine.Command{
		&engine.PublishMessage{Name: "payment-received", CorrelationKey: "order-17", Variables: []byte(`{"amount":42}`), MessageID: "tx-1", TimeToLive: time.Minute},
		&engine.ExpireMessage{MessageKey: 7},
		&engine.CreateSubscription{ElementInstanceKey: 100, ProcessInstanceKey: 1000, ProcessID: "order-process", ProcessPartition: 2, MessageName: "payment-received", CorrelationKey: "order-17", Interrupting: true},
		&engine.CorrelateSubscription{ElementInstanceKey: 100, MessageName: "payment-received", MessageKey: 7, CorrelationKey: "order-17"},
		&engine.DeleteSubscription{ElementInstanceKey: 100, ProcessInstanceKey: 1000, ProcessPartition: 2, MessageName: "payment-received"},
		&engine.RejectCorrelation{MessageKey: 7, ProcessID: "order-process", MessageName: "payment-received", CorrelationKey: "order-17"},
		&engine.SubscribeElement{ElementInstanceKey: 100, ProcessInstanceKey: 1000, ProcessID: "order-process", MessageName: "payment-received", CorrelationKey: "order-17"},
		&engine.UnsubscribeElement{ElementInstanceKey: 100, MessageName: "payment-received"},
		&engine.OpenProcessSubscription{ProcessInstanceKey: 1000, ElementInstanceKey: 100, MessageName: "payment-received"},
		&engine.CloseProcessSubscription{ProcessInstanceKey: 1000, ElementInstanceKey: 100, MessageName: "payment-received"},
		&engine.CorrelateProcessSubscription{ProcessInstanceKey: 1000, ElementInstanceKey: 100, ProcessID: "order-process", MessageName: "payment-received", MessageKey: 7, CorrelationKey: "order-17"},
	}

	for _, cmd := range commands {
		t.Run(string(cmd.Kind()), func(t *testing.T) {
			env, err := EncodeCommand(3, cmd)
			require.NoError(t, err)
			assert.Equal(t, int32(3), env.Partition)
			assert.Equal(t, cmd.Kind(), env.Kind)

			// Through the wire and back.
			data, err := json.Marshal(env)
			require.NoError(t, err)
			var decoded Envelope
			require.NoError(t, json.Unmarshal(data, &decoded))

			got, err := DecodeCommand(&decoded)
			require.NoError(t, err)
			assert.Equal(t, cmd, got)
		})
	}
}

func TestCodecUnknownKind(t *testing.T) {
	_, err := DecodeCommand(&Envelope{Partition: 1, Kind: "message.bogus", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command kind")
}

func TestCodecMalformedPayload(t *testing.T) {
	_, err := DecodeCommand(&Envelope{Partition: 1, Kind: engine.KindPublishMessage, Payload: []byte(`{`)})
	require.Error(t, err)
}
