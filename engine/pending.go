// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxproc/storage"
)

// Start launches the periodic background tasks: the TTL sweeper and the two
// pending delivery trackers. They share the command mutex, so every scan
// observes and produces consistent state.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(3)
	go e.runPeriodic(ctx, e.cfg.SweepInterval, e.sweepExpired)
	go e.runPeriodic(ctx, e.cfg.RetryInterval, e.resendCorrelating)
	go e.runPeriodic(ctx, e.cfg.RetryInterval, e.resendPending)
}

// Stop terminates the background tasks and waits for them to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) runPeriodic(ctx context.Context, interval time.Duration, task func(ctx context.Context)) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			task(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweepExpired expires messages past their deadline, at most SweepBatch per
// scan. Expiry runs through the regular command path so it is logged and
// idempotent like any other command.
func (e *Engine) sweepExpired(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.store.Messages().ListDeadlineBefore(e.clock.Now(), e.cfg.SweepBatch)
	if err != nil {
		e.logger.Error("failed to list expired messages", slog.String("error", err.Error()))
		return
	}
	for _, key := range keys {
		if _, err := e.handleLocked(ctx, &ExpireMessage{MessageKey: key}); err != nil {
			e.logger.Error("failed to expire message",
				slog.Int64("message_key", key),
				slog.String("error", err.Error()))
		}
	}
}

// resendCorrelating re-sends the correlate command for subscriptions stuck in
// CORRELATING longer than the retry timeout. The process side tolerates the
// duplicates this produces.
func (e *Engine) resendCorrelating(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().Add(-e.cfg.RetryTimeout)
	subs, err := e.store.Subscriptions().ListCorrelatingBefore(cutoff)
	if err != nil {
		e.logger.Error("failed to list correlating subscriptions", slog.String("error", err.Error()))
		return
	}

	var outs []outbound
	for _, sub := range subs {
		msg, err := e.store.Messages().Get(sub.MessageKey)
		if err == storage.ErrNotFound {
			// The matched message expired mid-correlation. The variables are
			// gone, so the delivery cannot be replayed; reopen the
			// subscription so it matches the backlog or a later message
			// instead of waiting on an acknowledgement that never comes.
			e.logger.Warn("reopening subscription correlating on expired message",
				slog.Int64("message_key", sub.MessageKey),
				slog.Int64("element_instance_key", sub.ElementInstanceKey))
			if err := e.reopenOrphaned(sub, &outs); err != nil {
				e.logger.Error("failed to reopen subscription",
					slog.Int64("element_instance_key", sub.ElementInstanceKey),
					slog.String("error", err.Error()))
			}
			continue
		}
		if err != nil {
			e.logger.Error("failed to load message", slog.String("error", err.Error()))
			continue
		}
		outs = append(outs, outbound{
			partition:          sub.ProcessPartition,
			command:            correlateCommand(sub, msg),
			track:              pendingSubscription,
			elementInstanceKey: sub.ElementInstanceKey,
			messageName:        sub.MessageName,
		})
		if e.metrics != nil {
			e.metrics.CommandResent(ctx, string(KindCorrelateProcess))
		}
	}
	e.dispatch(ctx, outs)
}

// reopenOrphaned resets a subscription whose matched message expired back to
// CREATED and immediately matches it against the remaining backlog. Follow-up
// events are appended before the outbound commands are collected, like on the
// regular command path.
func (e *Engine) reopenOrphaned(sub *storage.Subscription, outs *[]outbound) error {
	sub.State = storage.SubscriptionCreated
	sub.MessageKey = 0
	if err := e.store.Subscriptions().Put(sub); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}

	var res result
	if _, err := e.matchOnSubscription(sub, &res); err != nil {
		return err
	}
	for _, ev := range res.events {
		if err := e.log.AppendFollowUpEvent(ev.Key, ev.Intent, ev.Record); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	*outs = append(*outs, res.outbound...)
	return nil
}

// resendPending re-sends the open or close command for process subscriptions
// stuck in OPENING or CLOSING longer than the retry timeout.
func (e *Engine) resendPending(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.clock.Now().Add(-e.cfg.RetryTimeout)
	pss, err := e.store.ProcessSubscriptions().ListPendingBefore(cutoff)
	if err != nil {
		e.logger.Error("failed to list pending process subscriptions", slog.String("error", err.Error()))
		return
	}

	var outs []outbound
	for _, ps := range pss {
		var cmd Command
		switch ps.State {
		case storage.ProcessSubscriptionOpening:
			cmd = openCommand(ps, e.cfg.PartitionID)
		case storage.ProcessSubscriptionClosing:
			cmd = closeCommand(ps, e.cfg.PartitionID)
		default:
			continue
		}
		outs = append(outs, outbound{
			partition:          ps.SubscriptionPartition,
			command:            cmd,
			track:              pendingProcessSubscription,
			elementInstanceKey: ps.ElementInstanceKey,
			messageName:        ps.MessageName,
		})
		if e.metrics != nil {
			e.metrics.CommandResent(ctx, string(cmd.Kind()))
		}
	}
	e.dispatch(ctx, outs)
}
