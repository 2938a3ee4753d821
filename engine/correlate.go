// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxproc/storage"
)

// matchedProcesses accumulates the logical processes already matched while
// processing one command. It exists only for the duration of that command and
// prevents double-matching before the durable correlation fact is visible.
type matchedProcesses map[string]struct{}

func (m matchedProcesses) contains(processID string) bool {
	_, ok := m[processID]
	return ok
}

func (m matchedProcesses) add(processID string) {
	m[processID] = struct{}{}
}

// matchOnPublish matches a freshly published message against all known
// subscriptions and start event subscriptions. A single message may correlate
// into many distinct processes but never twice into the same one.
func (e *Engine) matchOnPublish(ctx context.Context, msg *storage.Message, res *result) error {
	matched := make(matchedProcesses)

	subs, err := e.store.Subscriptions().ListByMessage(msg.Name, msg.CorrelationKey)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.State == storage.SubscriptionCorrelating {
			continue
		}
		if matched.contains(sub.ProcessID) {
			continue
		}
		if err := e.beginCorrelation(sub, msg, res); err != nil {
			return err
		}
		matched.add(sub.ProcessID)
	}

	return e.matchStartEvents(ctx, msg, matched, res)
}

// matchStartEvents triggers new process instances for message start events,
// honoring the single-active-instance rule for non-empty correlation keys.
func (e *Engine) matchStartEvents(ctx context.Context, msg *storage.Message, matched matchedProcesses, res *result) error {
	if e.trigger == nil {
		return nil
	}

	starts, err := e.store.StartEvents().ListByMessageName(msg.Name)
	if err != nil {
		return fmt.Errorf("failed to list start event subscriptions: %w", err)
	}
	for _, se := range starts {
		if matched.contains(se.ProcessID) {
			continue
		}
		correlationKey := msg.CorrelationKey
		if correlationKey != "" {
			active, err := e.store.StartEvents().HasActiveInstance(se.ProcessID, correlationKey)
			if err != nil {
				return fmt.Errorf("failed to check active instance: %w", err)
			}
			if active {
				continue
			}
		}

		instanceKey, err := e.trigger.TriggerStartEvent(ctx, se, msg.Key, msg.Variables)
		if err != nil {
			e.logger.Warn("failed to trigger message start event",
				slog.String("process_id", se.ProcessID),
				slog.String("message_name", se.MessageName),
				slog.String("error", err.Error()))
			continue
		}

		if err := e.store.Messages().AddCorrelation(msg.Key, se.ProcessID); err != nil {
			return fmt.Errorf("failed to record correlation: %w", err)
		}
		if correlationKey != "" {
			if err := e.store.StartEvents().SetActiveInstance(se.ProcessID, correlationKey, instanceKey); err != nil {
				return fmt.Errorf("failed to record active instance: %w", err)
			}
		}
		matched.add(se.ProcessID)

		res.appendEvent(se.Key, IntentStartEventTriggered, &StartEventTriggered{
			SubscriptionKey:    se.Key,
			ProcessID:          se.ProcessID,
			ProcessInstanceKey: instanceKey,
			MessageKey:         msg.Key,
			CorrelationKey:     correlationKey,
		})
		if e.metrics != nil {
			e.metrics.StartEventTriggered(ctx)
		}
	}
	return nil
}

// matchOnSubscription matches a subscription against the backlog of stored
// messages. It drains at most one message: the first live one not yet
// delivered into the subscription's process. It reports whether a match
// occurred so the caller can decide between an immediate open acknowledgement
// and waiting for the correlate round-trip.
func (e *Engine) matchOnSubscription(sub *storage.Subscription, res *result) (bool, error) {
	msgs, err := e.store.Messages().ListByName(sub.MessageName, sub.CorrelationKey)
	if err != nil {
		return false, fmt.Errorf("failed to list messages: %w", err)
	}

	now := e.clock.Now()
	for _, msg := range msgs {
		if !msg.Deadline.After(now) {
			continue
		}
		delivered, err := e.store.Messages().HasCorrelation(msg.Key, sub.ProcessID)
		if err != nil {
			return false, fmt.Errorf("failed to check correlation: %w", err)
		}
		if delivered {
			continue
		}
		if err := e.beginCorrelation(sub, msg, res); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// beginCorrelation marks the subscription CORRELATING for the message,
// records the correlation fact and queues the correlate command to the
// subscription's process partition.
func (e *Engine) beginCorrelation(sub *storage.Subscription, msg *storage.Message, res *result) error {
	sub.State = storage.SubscriptionCorrelating
	sub.MessageKey = msg.Key
	if err := e.store.Subscriptions().Put(sub); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	if err := e.store.Messages().AddCorrelation(msg.Key, sub.ProcessID); err != nil {
		return fmt.Errorf("failed to record correlation: %w", err)
	}

	res.appendEvent(sub.Key, IntentSubscriptionCorrelating, storage.CopySubscription(sub))
	res.outbound = append(res.outbound, outbound{
		partition:          sub.ProcessPartition,
		command:            correlateCommand(sub, msg),
		track:              pendingSubscription,
		elementInstanceKey: sub.ElementInstanceKey,
		messageName:        sub.MessageName,
	})
	return nil
}

// correlateCommand builds the cross-partition correlate proposal for a
// subscription and its matched message.
func correlateCommand(sub *storage.Subscription, msg *storage.Message) *CorrelateProcessSubscription {
	return &CorrelateProcessSubscription{
		ProcessInstanceKey: sub.ProcessInstanceKey,
		ElementInstanceKey: sub.ElementInstanceKey,
		ProcessID:          sub.ProcessID,
		MessageName:        sub.MessageName,
		MessageKey:         msg.Key,
		Variables:          msg.Variables,
		CorrelationKey:     msg.CorrelationKey,
	}
}
