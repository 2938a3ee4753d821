// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/absmach/fluxproc/storage"
)

// processCreateSubscription opens a message subscription and drains at most
// one backlogged message. Without a match the open acknowledgement goes out
// immediately; with a match the correlate command doubles as the
// acknowledgement.
func (e *Engine) processCreateSubscription(cmd *CreateSubscription, res *result) error {
	openAck := outbound{
		partition: cmd.ProcessPartition,
		command: &OpenProcessSubscription{
			ProcessInstanceKey: cmd.ProcessInstanceKey,
			ElementInstanceKey: cmd.ElementInstanceKey,
			MessageName:        cmd.MessageName,
		},
	}

	_, err := e.store.Subscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	switch err {
	case nil:
		// Redelivered open command. Acknowledge again so the caller's pending
		// retry stops.
		res.reject(RejectionInvalidState,
			"a subscription for element %d and message name '%s' is already open",
			cmd.ElementInstanceKey, cmd.MessageName)
		res.outbound = append(res.outbound, openAck)
		return nil
	case storage.ErrNotFound:
	default:
		return fmt.Errorf("failed to look up subscription: %w", err)
	}

	sub := &storage.Subscription{
		Key:                e.keys.NextKey(),
		ElementInstanceKey: cmd.ElementInstanceKey,
		ProcessInstanceKey: cmd.ProcessInstanceKey,
		ProcessID:          cmd.ProcessID,
		ProcessPartition:   cmd.ProcessPartition,
		MessageName:        cmd.MessageName,
		CorrelationKey:     cmd.CorrelationKey,
		Interrupting:       cmd.Interrupting,
		State:              storage.SubscriptionCreated,
	}
	if err := e.store.Subscriptions().Put(sub); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	res.appendEvent(sub.Key, IntentSubscriptionCreated, storage.CopySubscription(sub))

	matched, err := e.matchOnSubscription(sub, res)
	if err != nil {
		return err
	}
	if !matched {
		res.outbound = append(res.outbound, openAck)
	}
	return nil
}

// processCorrelateSubscription applies the acknowledgement that the paired
// element consumed the message. An interrupting subscription is terminal; a
// non-interrupting one reopens and immediately looks for the next message.
func (e *Engine) processCorrelateSubscription(cmd *CorrelateSubscription, res *result) error {
	sub, err := e.store.Subscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	if err == storage.ErrNotFound {
		// Deleted by a race, e.g. a boundary event takeover.
		res.reject(RejectionNotFound,
			"no subscription for element %d and message name '%s'",
			cmd.ElementInstanceKey, cmd.MessageName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}

	res.appendEvent(sub.Key, IntentSubscriptionCorrelated, storage.CopySubscription(sub))

	if sub.Interrupting {
		if err := e.store.Subscriptions().Delete(sub.ElementInstanceKey, sub.MessageName); err != nil && err != storage.ErrNotFound {
			return fmt.Errorf("failed to remove subscription: %w", err)
		}
		return nil
	}

	sub.State = storage.SubscriptionCreated
	sub.MessageKey = 0
	if err := e.store.Subscriptions().Put(sub); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	// The next backlogged message, if any, correlates right away.
	_, err = e.matchOnSubscription(sub, res)
	return err
}

// processDeleteSubscription closes a subscription because its element stopped
// waiting. The close acknowledgement is sent even when the subscription is
// already gone, so the caller's pending retry converges.
func (e *Engine) processDeleteSubscription(cmd *DeleteSubscription, res *result) error {
	closeAck := outbound{
		partition: cmd.ProcessPartition,
		command: &CloseProcessSubscription{
			ProcessInstanceKey: cmd.ProcessInstanceKey,
			ElementInstanceKey: cmd.ElementInstanceKey,
			MessageName:        cmd.MessageName,
		},
	}
	res.outbound = append(res.outbound, closeAck)

	sub, err := e.store.Subscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	if err == storage.ErrNotFound {
		res.reject(RejectionNotFound,
			"no subscription for element %d and message name '%s'",
			cmd.ElementInstanceKey, cmd.MessageName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}

	// A CORRELATING lock dies with the subscription; the message stays
	// available for other subscriptions.
	if err := e.store.Subscriptions().Delete(cmd.ElementInstanceKey, cmd.MessageName); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	res.appendEvent(sub.Key, IntentSubscriptionDeleted, storage.CopySubscription(sub))
	return nil
}

// processRejectCorrelation withdraws a delivery the process side could not
// apply: the stuck subscription reopens and the message is re-offered to
// another element of the same logical process. The correlation fact stays in
// place; it lives as long as the message does, so a stale or duplicated
// reject can never open the door to a second delivery into the process.
func (e *Engine) processRejectCorrelation(cmd *RejectCorrelation, res *result) error {
	delivered, err := e.store.Messages().HasCorrelation(cmd.MessageKey, cmd.ProcessID)
	if err != nil {
		return fmt.Errorf("failed to check correlation: %w", err)
	}
	if !delivered {
		res.reject(RejectionInvalidState,
			"message %d was not correlated to process '%s'", cmd.MessageKey, cmd.ProcessID)
		return nil
	}

	subs, err := e.store.Subscriptions().ListByMessage(cmd.MessageName, cmd.CorrelationKey)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	// A reject only applies while a subscription of the process is still
	// CORRELATING on this message. Without one the reject is stale: the
	// delivery was already acknowledged, rejected or superseded, and acting
	// on it would hand the message to the process a second time.
	var rejected *storage.Subscription
	for _, sub := range subs {
		if sub.ProcessID != cmd.ProcessID || sub.State != storage.SubscriptionCorrelating {
			continue
		}
		if sub.MessageKey != cmd.MessageKey {
			continue
		}
		rejected = sub
		break
	}
	if rejected == nil {
		res.reject(RejectionInvalidState,
			"no subscription of process '%s' is correlating on message %d",
			cmd.ProcessID, cmd.MessageKey)
		return nil
	}

	res.appendEvent(cmd.MessageKey, IntentSubscriptionRejected, cmd)

	// Reopen the rejected subscription so it can match later messages.
	rejected.State = storage.SubscriptionCreated
	rejected.MessageKey = 0
	if err := e.store.Subscriptions().Put(rejected); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}

	msg, err := e.store.Messages().Get(cmd.MessageKey)
	if err == storage.ErrNotFound {
		return nil // expired in the meantime
	}
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}
	if !msg.Deadline.After(e.clock.Now()) {
		return nil
	}

	// Re-offer to a different element of the same logical process.
	for _, sub := range subs {
		if sub.ProcessID != cmd.ProcessID {
			continue
		}
		if sub.ElementInstanceKey == rejected.ElementInstanceKey && sub.MessageName == rejected.MessageName {
			continue
		}
		if sub.State == storage.SubscriptionCorrelating {
			continue
		}
		return e.beginCorrelation(sub, msg, res)
	}
	return nil
}
