// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"github.com/absmach/fluxproc/storage"
)

// processPublish validates and applies a publish command: message ID dedup,
// durable store, match against subscriptions and start events, and immediate
// expiry for non-positive TTL.
func (e *Engine) processPublish(ctx context.Context, cmd *PublishMessage, res *result) error {
	if cmd.MessageID != "" {
		exists, err := e.store.Messages().ExistsWithID(cmd.Name, cmd.CorrelationKey, cmd.MessageID)
		if err != nil {
			return fmt.Errorf("failed to check message dedup: %w", err)
		}
		if exists {
			res.reject(RejectionAlreadyExists,
				"a message with id '%s' is already published for name '%s' and correlation key '%s'",
				cmd.MessageID, cmd.Name, cmd.CorrelationKey)
			return nil
		}
	}

	now := e.clock.Now()
	deadline := now
	if cmd.TimeToLive > 0 {
		deadline = now.Add(cmd.TimeToLive)
	}

	msg := &storage.Message{
		Key:            e.keys.NextKey(),
		Name:           cmd.Name,
		CorrelationKey: cmd.CorrelationKey,
		Variables:      cmd.Variables,
		MessageID:      cmd.MessageID,
		TimeToLive:     cmd.TimeToLive,
		Deadline:       deadline,
	}
	if err := e.store.Messages().Put(msg); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	res.appendEvent(msg.Key, IntentMessagePublished, storage.CopyMessage(msg))
	if e.metrics != nil {
		e.metrics.MessagePublished(ctx, len(msg.Variables))
	}

	if err := e.matchOnPublish(ctx, msg, res); err != nil {
		return err
	}

	// A non-positive TTL expires the message in the same command, so no later
	// command can match it. Correlations made above stand.
	if cmd.TimeToLive <= 0 {
		if err := e.store.Messages().Delete(msg.Key); err != nil && err != storage.ErrNotFound {
			return fmt.Errorf("failed to remove message: %w", err)
		}
		res.appendEvent(msg.Key, IntentMessageExpired, &MessageExpired{MessageKey: msg.Key})
		if e.metrics != nil {
			e.metrics.MessageExpired(ctx)
		}
	}
	return nil
}

// processExpire removes a message past its deadline. Expiry is idempotent:
// expiring an already absent key records the event and changes nothing.
func (e *Engine) processExpire(ctx context.Context, cmd *ExpireMessage, res *result) error {
	err := e.store.Messages().Delete(cmd.MessageKey)
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	res.appendEvent(cmd.MessageKey, IntentMessageExpired, &MessageExpired{MessageKey: cmd.MessageKey})
	if err == nil && e.metrics != nil {
		e.metrics.MessageExpired(ctx)
	}
	return nil
}
