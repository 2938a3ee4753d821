// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxproc/storage"
	"github.com/absmach/fluxproc/storage/memory"
)

func TestSweeperExpiresDeadMessages(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, publishCmd(5*time.Second)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	te.clock.Advance(6 * time.Second)
	te.engine.sweepExpired(context.Background())

	expired := te.log.EventsWithIntent(IntentMessageExpired)
	require.Len(t, expired, 1)
	_, err := te.store.Messages().Get(expired[0].Key)
	assert.Equal(t, storage.ErrNotFound, err)

	// The long-lived message survives the sweep.
	published := te.log.EventsWithIntent(IntentMessagePublished)
	require.Len(t, published, 2)
	for _, ev := range published {
		if ev.Key != expired[0].Key {
			_, err := te.store.Messages().Get(ev.Key)
			assert.NoError(t, err)
		}
	}
}

func TestSweeperHonorsBatchLimit(t *testing.T) {
	store := memory.New()
	log := NewMemoryLog()
	sender := &captureSender{}
	clock := clockwork.NewFakeClock()
	e := New(Config{
		PartitionID:    1,
		PartitionCount: 2,
		SweepBatch:     2,
	}, store, log, sender, WithClock(clock))

	for range 3 {
		_, err := e.Handle(context.Background(), publishCmd(time.Second))
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Second)
	e.sweepExpired(context.Background())
	assert.Len(t, log.EventsWithIntent(IntentMessageExpired), 2)

	e.sweepExpired(context.Background())
	assert.Len(t, log.EventsWithIntent(IntentMessageExpired), 3)
}

func TestResendCorrelating(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))
	te.sender.reset()

	// Not yet stale.
	te.engine.resendCorrelating(context.Background())
	assert.Empty(t, te.sender.commands())

	te.clock.Advance(DefaultRetryTimeout + time.Second)
	te.engine.resendCorrelating(context.Background())

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	correlate, ok := cmds[0].cmd.(*CorrelateProcessSubscription)
	require.True(t, ok)
	assert.Equal(t, int64(100), correlate.ElementInstanceKey)

	// The resend stamped a fresh sent time, so an immediate re-scan is quiet.
	te.sender.reset()
	te.engine.resendCorrelating(context.Background())
	assert.Empty(t, te.sender.commands())
}

func TestResendReopensSubscriptionAfterExpiry(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))

	// The correlate send for the first message never arrives.
	te.sender.setError(errors.New("peer unreachable"))
	require.Nil(t, te.handle(t, publishCmd(5*time.Second)))
	te.sender.setError(nil)

	// A second message backs up behind the correlating subscription.
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))
	published := te.log.EventsWithIntent(IntentMessagePublished)
	require.Len(t, published, 2)
	backlogKey := published[1].Key
	te.sender.reset()

	// The first message dies before its correlate was ever delivered.
	te.clock.Advance(6 * time.Second)
	te.engine.sweepExpired(context.Background())

	te.clock.Advance(DefaultRetryTimeout)
	te.engine.resendCorrelating(context.Background())

	// The subscription reopened and took the backlogged message.
	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCorrelating, sub.State)
	assert.Equal(t, backlogKey, sub.MessageKey)

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	correlate, ok := cmds[0].cmd.(*CorrelateProcessSubscription)
	require.True(t, ok)
	assert.Equal(t, backlogKey, correlate.MessageKey)
}

func TestResendReopensSubscriptionWithoutBacklog(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	te.sender.setError(errors.New("peer unreachable"))
	require.Nil(t, te.handle(t, publishCmd(5*time.Second)))
	te.sender.setError(nil)
	te.sender.reset()

	te.clock.Advance(6 * time.Second)
	te.engine.sweepExpired(context.Background())

	te.clock.Advance(DefaultRetryTimeout)
	te.engine.resendCorrelating(context.Background())

	// Nothing to deliver: the subscription waits for the next message
	// instead of staying stuck on the expired one.
	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCreated, sub.State)
	assert.Zero(t, sub.MessageKey)
	assert.Empty(t, te.sender.commands())

	require.Nil(t, te.handle(t, publishCmd(time.Hour)))
	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok := cmds[0].cmd.(*CorrelateProcessSubscription)
	assert.True(t, ok)
}

func TestResendStopsAfterAcknowledgement(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	require.Nil(t, te.handle(t, &CorrelateSubscription{
		ElementInstanceKey: 100,
		MessageName:        "payment-received",
		MessageKey:         sub.MessageKey,
		CorrelationKey:     "order-17",
	}))

	te.sender.reset()
	te.clock.Advance(DefaultRetryTimeout + time.Second)
	te.engine.resendCorrelating(context.Background())
	assert.Empty(t, te.sender.commands())
}

func TestPendingOpenRecoversFromFailedSend(t *testing.T) {
	te := newTestEngine(t, 2)

	// The first send never arrives.
	te.sender.setError(errors.New("peer unreachable"))
	require.Nil(t, te.handle(t, subscribeCmd(500, true)))
	require.Empty(t, te.sender.commands())

	ps, err := te.store.ProcessSubscriptions().Get(500, "payment-received")
	require.NoError(t, err)
	assert.True(t, ps.SentTime.IsZero())

	// The tracker resends once the peer recovers.
	te.sender.setError(nil)
	te.engine.resendPending(context.Background())

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	open, ok := cmds[0].cmd.(*CreateSubscription)
	require.True(t, ok)
	assert.Equal(t, int64(500), open.ElementInstanceKey)

	ps, err = te.store.ProcessSubscriptions().Get(500, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, te.clock.Now(), ps.SentTime)
}

func TestPendingCloseResent(t *testing.T) {
	te := newTestEngine(t, 2)

	require.Nil(t, te.handle(t, subscribeCmd(500, true)))
	require.Nil(t, te.handle(t, &OpenProcessSubscription{
		ProcessInstanceKey: 5000,
		ElementInstanceKey: 500,
		MessageName:        "payment-received",
	}))
	require.Nil(t, te.handle(t, &UnsubscribeElement{
		ElementInstanceKey: 500,
		MessageName:        "payment-received",
	}))
	te.sender.reset()

	te.clock.Advance(DefaultRetryTimeout + time.Second)
	te.engine.resendPending(context.Background())

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok := cmds[0].cmd.(*DeleteSubscription)
	assert.True(t, ok)
}

func TestOpenedSubscriptionNotResent(t *testing.T) {
	te := newTestEngine(t, 2)

	require.Nil(t, te.handle(t, subscribeCmd(500, true)))
	require.Nil(t, te.handle(t, &OpenProcessSubscription{
		ProcessInstanceKey: 5000,
		ElementInstanceKey: 500,
		MessageName:        "payment-received",
	}))
	te.sender.reset()

	te.clock.Advance(DefaultRetryTimeout + time.Second)
	te.engine.resendPending(context.Background())
	assert.Empty(t, te.sender.commands())
}

func TestBackgroundTasksRunOnTicks(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, publishCmd(time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	te.engine.Start(ctx)
	defer te.engine.Stop()

	// Wait for the three periodic loops to arm their tickers.
	te.clock.BlockUntil(3)
	te.clock.Advance(DefaultSweepInterval)

	require.Eventually(t, func() bool {
		return len(te.log.EventsWithIntent(IntentMessageExpired)) == 1
	}, time.Second, 5*time.Millisecond)
}
