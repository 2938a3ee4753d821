// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxproc/storage"
)

// fakeTrigger starts fake process instances with increasing keys.
type fakeTrigger struct {
	next      int64
	triggered []string
}

func (f *fakeTrigger) TriggerStartEvent(_ context.Context, sub *storage.StartEventSubscription, _ int64, _ []byte) (int64, error) {
	f.next++
	f.triggered = append(f.triggered, sub.ProcessID)
	return f.next, nil
}

func TestPublishTriggersStartEvent(t *testing.T) {
	trigger := &fakeTrigger{}
	te := newTestEngine(t, 1, WithEventTrigger(trigger))

	require.NoError(t, te.store.StartEvents().Put(&storage.StartEventSubscription{
		Key:          1,
		ProcessID:    "onboarding-process",
		MessageName:  "payment-received",
		StartEventID: "start",
	}))

	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	assert.Equal(t, []string{"onboarding-process"}, trigger.triggered)
	events := te.log.EventsWithIntent(IntentStartEventTriggered)
	require.Len(t, events, 1)
	record := events[0].Record.(*StartEventTriggered)
	assert.Equal(t, int64(1), record.ProcessInstanceKey)

	active, err := te.store.StartEvents().HasActiveInstance("onboarding-process", "order-17")
	require.NoError(t, err)
	assert.True(t, active)

	delivered, err := te.store.Messages().HasCorrelation(record.MessageKey, "onboarding-process")
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestStartEventSkippedWhileInstanceActive(t *testing.T) {
	trigger := &fakeTrigger{}
	te := newTestEngine(t, 1, WithEventTrigger(trigger))

	require.NoError(t, te.store.StartEvents().Put(&storage.StartEventSubscription{
		Key:          1,
		ProcessID:    "onboarding-process",
		MessageName:  "payment-received",
		StartEventID: "start",
	}))

	require.Nil(t, te.handle(t, publishCmd(time.Hour)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	// One instance per correlation key at a time.
	assert.Len(t, trigger.triggered, 1)

	// Once the instance completes, the next message starts a fresh one.
	require.NoError(t, te.store.StartEvents().RemoveActiveInstance("onboarding-process", "order-17"))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))
	assert.Len(t, trigger.triggered, 2)
}

func TestStartEventEmptyCorrelationKeyUnlimited(t *testing.T) {
	trigger := &fakeTrigger{}
	te := newTestEngine(t, 1, WithEventTrigger(trigger))

	require.NoError(t, te.store.StartEvents().Put(&storage.StartEventSubscription{
		Key:          1,
		ProcessID:    "broadcast-process",
		MessageName:  "announcement",
		StartEventID: "start",
	}))

	cmd := &PublishMessage{Name: "announcement", TimeToLive: time.Hour}
	require.Nil(t, te.handle(t, cmd))
	require.Nil(t, te.handle(t, cmd))

	// No correlation key means no single-active-instance gate.
	assert.Len(t, trigger.triggered, 2)
}

func TestSubscriptionTakesPrecedenceOverStartEvent(t *testing.T) {
	trigger := &fakeTrigger{}
	te := newTestEngine(t, 1, WithEventTrigger(trigger))

	require.NoError(t, te.store.StartEvents().Put(&storage.StartEventSubscription{
		Key:          1,
		ProcessID:    "order-process",
		MessageName:  "payment-received",
		StartEventID: "start",
	}))
	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	te.sender.reset()

	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	// The running instance's subscription consumed the process's one
	// delivery; no new instance starts.
	assert.Empty(t, trigger.triggered)
	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok := cmds[0].cmd.(*CorrelateProcessSubscription)
	assert.True(t, ok)
}
