// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxproc/storage"
)

// processSubscribeElement records that an element instance started waiting
// for a message and opens the subscription on the partition owning the
// message hash.
func (e *Engine) processSubscribeElement(cmd *SubscribeElement, res *result) error {
	_, err := e.store.ProcessSubscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	switch err {
	case nil:
		res.reject(RejectionInvalidState,
			"element %d already subscribed to message name '%s'",
			cmd.ElementInstanceKey, cmd.MessageName)
		return nil
	case storage.ErrNotFound:
	default:
		return fmt.Errorf("failed to look up process subscription: %w", err)
	}

	ps := &storage.ProcessSubscription{
		SubscriptionPartition: PartitionFor(cmd.CorrelationKey, e.cfg.PartitionCount),
		ElementInstanceKey:    cmd.ElementInstanceKey,
		ProcessInstanceKey:    cmd.ProcessInstanceKey,
		ProcessID:             cmd.ProcessID,
		MessageName:           cmd.MessageName,
		CorrelationKey:        cmd.CorrelationKey,
		Interrupting:          cmd.Interrupting,
		State:                 storage.ProcessSubscriptionOpening,
	}
	if err := e.store.ProcessSubscriptions().Put(ps); err != nil {
		return fmt.Errorf("failed to store process subscription: %w", err)
	}
	res.appendEvent(cmd.ElementInstanceKey, IntentProcessSubscriptionOpening, storage.CopyProcessSubscription(ps))

	res.outbound = append(res.outbound, outbound{
		partition:          ps.SubscriptionPartition,
		command:            openCommand(ps, e.cfg.PartitionID),
		track:              pendingProcessSubscription,
		elementInstanceKey: ps.ElementInstanceKey,
		messageName:        ps.MessageName,
	})
	return nil
}

// processUnsubscribeElement records that an element instance stopped waiting
// and asks the message partition to close the subscription.
func (e *Engine) processUnsubscribeElement(cmd *UnsubscribeElement, res *result) error {
	ps, err := e.store.ProcessSubscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	if err == storage.ErrNotFound {
		res.reject(RejectionNotFound,
			"element %d has no subscription for message name '%s'",
			cmd.ElementInstanceKey, cmd.MessageName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up process subscription: %w", err)
	}

	ps.State = storage.ProcessSubscriptionClosing
	if err := e.store.ProcessSubscriptions().Put(ps); err != nil {
		return fmt.Errorf("failed to store process subscription: %w", err)
	}
	res.appendEvent(cmd.ElementInstanceKey, IntentProcessSubscriptionClosing, storage.CopyProcessSubscription(ps))

	res.outbound = append(res.outbound, outbound{
		partition:          ps.SubscriptionPartition,
		command:            closeCommand(ps, e.cfg.PartitionID),
		track:              pendingProcessSubscription,
		elementInstanceKey: ps.ElementInstanceKey,
		messageName:        ps.MessageName,
	})
	return nil
}

// processOpenProcessSubscription applies the open acknowledgement from the
// message partition. A duplicate acknowledgement is rejected without effect.
func (e *Engine) processOpenProcessSubscription(cmd *OpenProcessSubscription, res *result) error {
	ps, err := e.store.ProcessSubscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	if err == storage.ErrNotFound {
		res.reject(RejectionNotFound,
			"element %d has no subscription for message name '%s'",
			cmd.ElementInstanceKey, cmd.MessageName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up process subscription: %w", err)
	}
	if ps.State != storage.ProcessSubscriptionOpening {
		res.reject(RejectionInvalidState,
			"subscription for element %d and message name '%s' is %s, not OPENING",
			cmd.ElementInstanceKey, cmd.MessageName, ps.State)
		return nil
	}

	ps.State = storage.ProcessSubscriptionOpened
	if err := e.store.ProcessSubscriptions().Put(ps); err != nil {
		return fmt.Errorf("failed to store process subscription: %w", err)
	}
	res.appendEvent(cmd.ElementInstanceKey, IntentProcessSubscriptionOpened, storage.CopyProcessSubscription(ps))
	return nil
}

// processCloseProcessSubscription applies the close acknowledgement and
// removes the local record, ending the close choreography.
func (e *Engine) processCloseProcessSubscription(cmd *CloseProcessSubscription, res *result) error {
	ps, err := e.store.ProcessSubscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	if err == storage.ErrNotFound {
		res.reject(RejectionNotFound,
			"element %d has no subscription for message name '%s'",
			cmd.ElementInstanceKey, cmd.MessageName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up process subscription: %w", err)
	}

	if err := e.store.ProcessSubscriptions().Delete(cmd.ElementInstanceKey, cmd.MessageName); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("failed to remove process subscription: %w", err)
	}
	res.appendEvent(cmd.ElementInstanceKey, IntentProcessSubscriptionClosed, storage.CopyProcessSubscription(ps))
	return nil
}

// processCorrelateProcessSubscription delivers a matched message into the
// waiting element instance. When delivery is impossible the correlation is
// rejected back to the message partition, which re-offers the message within
// the same logical process.
func (e *Engine) processCorrelateProcessSubscription(ctx context.Context, cmd *CorrelateProcessSubscription, res *result) error {
	rejectBack := func() {
		res.outbound = append(res.outbound, outbound{
			partition: PartitionFor(cmd.CorrelationKey, e.cfg.PartitionCount),
			command: &RejectCorrelation{
				MessageKey:     cmd.MessageKey,
				ProcessID:      cmd.ProcessID,
				MessageName:    cmd.MessageName,
				CorrelationKey: cmd.CorrelationKey,
			},
		})
	}

	ps, err := e.store.ProcessSubscriptions().Get(cmd.ElementInstanceKey, cmd.MessageName)
	if err == storage.ErrNotFound {
		res.reject(RejectionNotFound,
			"element %d has no subscription for message name '%s'",
			cmd.ElementInstanceKey, cmd.MessageName)
		rejectBack()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up process subscription: %w", err)
	}
	if ps.State == storage.ProcessSubscriptionClosing {
		res.reject(RejectionInvalidState,
			"subscription for element %d and message name '%s' is closing",
			cmd.ElementInstanceKey, cmd.MessageName)
		rejectBack()
		return nil
	}

	if e.activator != nil {
		if err := e.activator.ActivateElement(ctx, ps, cmd.MessageKey, cmd.Variables); err != nil {
			e.logger.Warn("failed to activate element",
				slog.Int64("element_instance_key", ps.ElementInstanceKey),
				slog.String("message_name", ps.MessageName),
				slog.String("error", err.Error()))
			res.reject(RejectionInvalidState,
				"element %d could not consume message %d", ps.ElementInstanceKey, cmd.MessageKey)
			rejectBack()
			return nil
		}
	}

	res.appendEvent(cmd.ElementInstanceKey, IntentProcessSubscriptionCorrelated, storage.CopyProcessSubscription(ps))
	if e.metrics != nil {
		e.metrics.MessageCorrelated(ctx)
	}

	// An interrupting subscription is consumed by its first delivery.
	if ps.Interrupting {
		if err := e.store.ProcessSubscriptions().Delete(ps.ElementInstanceKey, ps.MessageName); err != nil && err != storage.ErrNotFound {
			return fmt.Errorf("failed to remove process subscription: %w", err)
		}
	}

	res.outbound = append(res.outbound, outbound{
		partition: ps.SubscriptionPartition,
		command: &CorrelateSubscription{
			ElementInstanceKey: cmd.ElementInstanceKey,
			MessageName:        cmd.MessageName,
			MessageKey:         cmd.MessageKey,
			Variables:          cmd.Variables,
			CorrelationKey:     cmd.CorrelationKey,
		},
	})
	return nil
}

// openCommand builds the cross-partition open command for a process
// subscription.
func openCommand(ps *storage.ProcessSubscription, processPartition int32) *CreateSubscription {
	return &CreateSubscription{
		ElementInstanceKey: ps.ElementInstanceKey,
		ProcessInstanceKey: ps.ProcessInstanceKey,
		ProcessID:          ps.ProcessID,
		ProcessPartition:   processPartition,
		MessageName:        ps.MessageName,
		CorrelationKey:     ps.CorrelationKey,
		Interrupting:       ps.Interrupting,
	}
}

// closeCommand builds the cross-partition close command for a process
// subscription.
func closeCommand(ps *storage.ProcessSubscription, processPartition int32) *DeleteSubscription {
	return &DeleteSubscription{
		ElementInstanceKey: ps.ElementInstanceKey,
		ProcessInstanceKey: ps.ProcessInstanceKey,
		ProcessPartition:   processPartition,
		MessageName:        ps.MessageName,
	}
}
