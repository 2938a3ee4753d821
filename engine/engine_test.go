// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxproc/storage"
	"github.com/absmach/fluxproc/storage/memory"
)

type sentCommand struct {
	partition int32
	cmd       Command
}

// captureSender records outbound commands and can be told to fail.
type captureSender struct {
	mu   sync.Mutex
	sent []sentCommand
	err  error
}

func (s *captureSender) Send(_ context.Context, partition int32, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentCommand{partition: partition, cmd: cmd})
	return nil
}

func (s *captureSender) commands() []sentCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentCommand, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *captureSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func (s *captureSender) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type testEngine struct {
	engine *Engine
	store  storage.Store
	log    *MemoryLog
	sender *captureSender
	clock  *clockwork.FakeClock
}

func newTestEngine(t *testing.T, partition int32, opts ...Option) *testEngine {
	t.Helper()

	store := memory.New()
	log := NewMemoryLog()
	sender := &captureSender{}
	clock := clockwork.NewFakeClock()

	opts = append([]Option{WithClock(clock)}, opts...)
	e := New(Config{
		PartitionID:    partition,
		PartitionCount: 2,
	}, store, log, sender, opts...)

	return &testEngine{engine: e, store: store, log: log, sender: sender, clock: clock}
}

func (te *testEngine) handle(t *testing.T, cmd Command) *Rejection {
	t.Helper()
	rejection, err := te.engine.Handle(context.Background(), cmd)
	require.NoError(t, err)
	return rejection
}

func createSubCmd(elementKey int64, processID string, interrupting bool) *CreateSubscription {
	return &CreateSubscription{
		ElementInstanceKey: elementKey,
		ProcessInstanceKey: elementKey * 10,
		ProcessID:          processID,
		ProcessPartition:   2,
		MessageName:        "payment-received",
		CorrelationKey:     "order-17",
		Interrupting:       interrupting,
	}
}

func publishCmd(ttl time.Duration) *PublishMessage {
	return &PublishMessage{
		Name:           "payment-received",
		CorrelationKey: "order-17",
		Variables:      []byte(`{"amount":42}`),
		TimeToLive:     ttl,
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	te := newTestEngine(t, 1)

	rejection := te.handle(t, publishCmd(time.Hour))
	require.Nil(t, rejection)

	events := te.log.EventsWithIntent(IntentMessagePublished)
	require.Len(t, events, 1)

	msg := events[0].Record.(*storage.Message)
	stored, err := te.store.Messages().Get(msg.Key)
	require.NoError(t, err)
	assert.Equal(t, "payment-received", stored.Name)
	assert.Equal(t, te.clock.Now().Add(time.Hour), stored.Deadline)
	assert.Empty(t, te.sender.commands())
}

func TestPublishDuplicateMessageID(t *testing.T) {
	te := newTestEngine(t, 1)

	cmd := publishCmd(time.Hour)
	cmd.MessageID = "tx-99"
	require.Nil(t, te.handle(t, cmd))

	rejection := te.handle(t, cmd)
	require.NotNil(t, rejection)
	assert.Equal(t, RejectionAlreadyExists, rejection.Reason)

	rejections := te.log.Rejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, KindPublishMessage, rejections[0].Command)
}

func TestPublishDuplicateMessageIDAfterExpiry(t *testing.T) {
	te := newTestEngine(t, 1)

	cmd := publishCmd(time.Minute)
	cmd.MessageID = "tx-99"
	require.Nil(t, te.handle(t, cmd))

	events := te.log.EventsWithIntent(IntentMessagePublished)
	require.Len(t, events, 1)
	key := events[0].Key
	require.Nil(t, te.handle(t, &ExpireMessage{MessageKey: key}))

	// The dedup window closes with the message.
	assert.Nil(t, te.handle(t, cmd))
}

func TestPublishZeroTTLExpiresImmediately(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, publishCmd(0)))

	require.Len(t, te.log.EventsWithIntent(IntentMessagePublished), 1)
	require.Len(t, te.log.EventsWithIntent(IntentMessageExpired), 1)

	// No later subscription can match it.
	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok := cmds[0].cmd.(*OpenProcessSubscription)
	assert.True(t, ok, "expected an open acknowledgement, not a correlation")
}

func TestPublishZeroTTLStillMatchesExistingSubscription(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	te.sender.reset()

	require.Nil(t, te.handle(t, publishCmd(0)))

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	correlate, ok := cmds[0].cmd.(*CorrelateProcessSubscription)
	require.True(t, ok)
	assert.Equal(t, int64(100), correlate.ElementInstanceKey)
	require.Len(t, te.log.EventsWithIntent(IntentMessageExpired), 1)
}

func TestExpireIsIdempotent(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, &ExpireMessage{MessageKey: 12345}))
	require.Nil(t, te.handle(t, &ExpireMessage{MessageKey: 12345}))

	assert.Len(t, te.log.EventsWithIntent(IntentMessageExpired), 2)
}

func TestCreateSubscriptionAcknowledgesWhenNoBacklog(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, int32(2), cmds[0].partition)
	ack, ok := cmds[0].cmd.(*OpenProcessSubscription)
	require.True(t, ok)
	assert.Equal(t, int64(100), ack.ElementInstanceKey)

	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCreated, sub.State)
}

func TestCreateSubscriptionMatchesBacklog(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, publishCmd(time.Hour)))
	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	correlate, ok := cmds[0].cmd.(*CorrelateProcessSubscription)
	require.True(t, ok, "the correlate command doubles as the open acknowledgement")
	assert.Equal(t, "order-process", correlate.ProcessID)
	assert.Equal(t, []byte(`{"amount":42}`), correlate.Variables)

	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCorrelating, sub.State)
	assert.Equal(t, correlate.MessageKey, sub.MessageKey)

	delivered, err := te.store.Messages().HasCorrelation(correlate.MessageKey, "order-process")
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestCreateSubscriptionDuplicateAcknowledgesAgain(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	te.sender.reset()

	rejection := te.handle(t, createSubCmd(100, "order-process", true))
	require.NotNil(t, rejection)
	assert.Equal(t, RejectionInvalidState, rejection.Reason)

	// A redelivered open command still gets an acknowledgement so the process
	// side converges.
	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok := cmds[0].cmd.(*OpenProcessSubscription)
	assert.True(t, ok)
}

func TestPublishCorrelatesOncePerProcess(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", false)))
	require.Nil(t, te.handle(t, createSubCmd(200, "order-process", false)))
	te.sender.reset()

	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	var correlates []*CorrelateProcessSubscription
	for _, sc := range te.sender.commands() {
		if c, ok := sc.cmd.(*CorrelateProcessSubscription); ok {
			correlates = append(correlates, c)
		}
	}
	require.Len(t, correlates, 1)
	assert.Equal(t, int64(100), correlates[0].ElementInstanceKey, "first created subscription wins")

	other, err := te.store.Subscriptions().Get(200, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCreated, other.State)
}

func TestPublishCorrelatesToEachProcess(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", false)))
	require.Nil(t, te.handle(t, createSubCmd(200, "shipping-process", false)))
	te.sender.reset()

	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	processIDs := make(map[string]bool)
	for _, sc := range te.sender.commands() {
		if c, ok := sc.cmd.(*CorrelateProcessSubscription); ok {
			processIDs[c.ProcessID] = true
		}
	}
	assert.True(t, processIDs["order-process"])
	assert.True(t, processIDs["shipping-process"])
}

func TestCorrelateAckInterruptingDeletesSubscription(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	require.Equal(t, storage.SubscriptionCorrelating, sub.State)

	require.Nil(t, te.handle(t, &CorrelateSubscription{
		ElementInstanceKey: 100,
		MessageName:        "payment-received",
		MessageKey:         sub.MessageKey,
		CorrelationKey:     "order-17",
	}))

	_, err = te.store.Subscriptions().Get(100, "payment-received")
	assert.Equal(t, storage.ErrNotFound, err)
	assert.Len(t, te.log.EventsWithIntent(IntentSubscriptionCorrelated), 1)
}

func TestCorrelateAckNonInterruptingReopens(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", false)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	firstKey := sub.MessageKey

	te.sender.reset()
	require.Nil(t, te.handle(t, &CorrelateSubscription{
		ElementInstanceKey: 100,
		MessageName:        "payment-received",
		MessageKey:         firstKey,
		CorrelationKey:     "order-17",
	}))

	// The first message is already delivered into this process, so the
	// reopened subscription does not re-match it.
	sub, err = te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCreated, sub.State)
	assert.Zero(t, sub.MessageKey)
	assert.Empty(t, te.sender.commands())

	// A second message correlates right away.
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))
	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	correlate := cmds[0].cmd.(*CorrelateProcessSubscription)
	assert.NotEqual(t, firstKey, correlate.MessageKey)
}

func TestCorrelateAckUnknownSubscription(t *testing.T) {
	te := newTestEngine(t, 1)

	rejection := te.handle(t, &CorrelateSubscription{
		ElementInstanceKey: 100,
		MessageName:        "payment-received",
		MessageKey:         1,
		CorrelationKey:     "order-17",
	})
	require.NotNil(t, rejection)
	assert.Equal(t, RejectionNotFound, rejection.Reason)
}

func TestDeleteSubscriptionAlwaysAcknowledges(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	te.sender.reset()

	del := &DeleteSubscription{
		ElementInstanceKey: 100,
		ProcessInstanceKey: 1000,
		ProcessPartition:   2,
		MessageName:        "payment-received",
	}
	require.Nil(t, te.handle(t, del))

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok := cmds[0].cmd.(*CloseProcessSubscription)
	require.True(t, ok)
	_, err := te.store.Subscriptions().Get(100, "payment-received")
	assert.Equal(t, storage.ErrNotFound, err)

	// A redelivered delete is rejected but still acknowledged.
	te.sender.reset()
	rejection := te.handle(t, del)
	require.NotNil(t, rejection)
	assert.Equal(t, RejectionNotFound, rejection.Reason)
	cmds = te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok = cmds[0].cmd.(*CloseProcessSubscription)
	assert.True(t, ok)
}

func TestDeleteCorrelatingSubscriptionFreesMessage(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	require.Nil(t, te.handle(t, &DeleteSubscription{
		ElementInstanceKey: 100,
		ProcessInstanceKey: 1000,
		ProcessPartition:   2,
		MessageName:        "payment-received",
	}))

	// The message survives the subscription and stays available to other
	// processes.
	te.sender.reset()
	require.Nil(t, te.handle(t, createSubCmd(300, "shipping-process", true)))
	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	correlate, ok := cmds[0].cmd.(*CorrelateProcessSubscription)
	require.True(t, ok)
	assert.Equal(t, "shipping-process", correlate.ProcessID)
}

func TestRejectCorrelationReoffersToAnotherElement(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", false)))
	require.Nil(t, te.handle(t, createSubCmd(200, "order-process", false)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	first, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	require.Equal(t, storage.SubscriptionCorrelating, first.State)

	te.sender.reset()
	require.Nil(t, te.handle(t, &RejectCorrelation{
		MessageKey:     first.MessageKey,
		ProcessID:      "order-process",
		MessageName:    "payment-received",
		CorrelationKey: "order-17",
	}))

	// The rejected subscription reopens; the other element takes the message.
	reopened, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCreated, reopened.State)

	second, err := te.store.Subscriptions().Get(200, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCorrelating, second.State)

	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	correlate := cmds[0].cmd.(*CorrelateProcessSubscription)
	assert.Equal(t, int64(200), correlate.ElementInstanceKey)
}

func TestRejectCorrelationWithoutFact(t *testing.T) {
	te := newTestEngine(t, 1)

	rejection := te.handle(t, &RejectCorrelation{
		MessageKey:     777,
		ProcessID:      "order-process",
		MessageName:    "payment-received",
		CorrelationKey: "order-17",
	})
	require.NotNil(t, rejection)
	assert.Equal(t, RejectionInvalidState, rejection.Reason)
}

func TestStaleRejectDoesNotRedeliver(t *testing.T) {
	te := newTestEngine(t, 1)

	require.Nil(t, te.handle(t, createSubCmd(100, "order-process", true)))
	require.Nil(t, te.handle(t, publishCmd(time.Hour)))

	sub, err := te.store.Subscriptions().Get(100, "payment-received")
	require.NoError(t, err)
	messageKey := sub.MessageKey

	// The element consumed the message; the interrupting subscription is gone.
	require.Nil(t, te.handle(t, &CorrelateSubscription{
		ElementInstanceKey: 100,
		MessageName:        "payment-received",
		MessageKey:         messageKey,
		CorrelationKey:     "order-17",
	}))

	// A duplicated reject straggles in afterwards. Nothing is correlating on
	// the message anymore, so it must not withdraw the delivery.
	staleReject := &RejectCorrelation{
		MessageKey:     messageKey,
		ProcessID:      "order-process",
		MessageName:    "payment-received",
		CorrelationKey: "order-17",
	}
	rejection := te.handle(t, staleReject)
	require.NotNil(t, rejection)
	assert.Equal(t, RejectionInvalidState, rejection.Reason)

	delivered, err := te.store.Messages().HasCorrelation(messageKey, "order-process")
	require.NoError(t, err)
	assert.True(t, delivered)

	// A later subscription of the same process gets the open acknowledgement,
	// never the already-delivered message.
	te.sender.reset()
	require.Nil(t, te.handle(t, createSubCmd(300, "order-process", true)))
	cmds := te.sender.commands()
	require.Len(t, cmds, 1)
	_, ok := cmds[0].cmd.(*OpenProcessSubscription)
	assert.True(t, ok)

	// Same outcome with the orders swapped: the waiting subscription already
	// exists when the duplicate arrives.
	te.sender.reset()
	rejection = te.handle(t, staleReject)
	require.NotNil(t, rejection)
	assert.Equal(t, RejectionInvalidState, rejection.Reason)
	assert.Empty(t, te.sender.commands())

	waiting, err := te.store.Subscriptions().Get(300, "payment-received")
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionCreated, waiting.State)
}
