// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the partition-local message correlation engine:
// command processors, the matching algorithm, the TTL sweeper and the pending
// delivery trackers that compensate for unreliable cross-partition delivery.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxproc/observe"
	"github.com/absmach/fluxproc/storage"
	"github.com/jonboulle/clockwork"
)

// Default timings for the periodic tasks.
const (
	DefaultRetryTimeout  = 10 * time.Second
	DefaultRetryInterval = 30 * time.Second
	DefaultSweepInterval = 60 * time.Second
	DefaultSweepBatch    = 1000
)

// Sender delivers a command to another partition. Delivery is asynchronous,
// at-least-once and unordered; commands may be dropped, duplicated or
// arbitrarily delayed. The engine compensates with idempotent retries.
type Sender interface {
	Send(ctx context.Context, partition int32, cmd Command) error
}

// EventTrigger starts a new process instance from a message start event.
// It is the boundary to the element activation logic outside this engine.
type EventTrigger interface {
	TriggerStartEvent(ctx context.Context, sub *storage.StartEventSubscription, messageKey int64, variables []byte) (processInstanceKey int64, err error)
}

// ElementActivator delivers a correlated message into a waiting element
// instance, merging its variables into the running process.
type ElementActivator interface {
	ActivateElement(ctx context.Context, sub *storage.ProcessSubscription, messageKey int64, variables []byte) error
}

// Config holds engine settings for one partition.
type Config struct {
	PartitionID    int32
	PartitionCount int32

	// RetryTimeout is how long an unacknowledged outbound command may be
	// outstanding before a pending tracker resends it.
	RetryTimeout time.Duration
	// RetryInterval is the scan period of the pending trackers.
	RetryInterval time.Duration
	// SweepInterval is the scan period of the TTL sweeper.
	SweepInterval time.Duration
	// SweepBatch caps how many expiries one sweep emits.
	SweepBatch int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 1
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
	}
	return cfg
}

// Engine is the partition-local correlation engine. Commands and timer
// callbacks are serialized, emulating the single-threaded partition actor;
// the only concurrency concern is cross-partition command delivery.
type Engine struct {
	cfg       Config
	store     storage.Store
	log       RecordWriter
	sender    Sender
	trigger   EventTrigger     // nil disables message start events
	activator ElementActivator // nil disables process-side delivery
	keys      *KeyGenerator
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observe.Metrics // nil if metrics disabled

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithClock sets the engine clock. Tests pin time with a fake clock.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventTrigger sets the message start event collaborator.
func WithEventTrigger(t EventTrigger) Option {
	return func(e *Engine) { e.trigger = t }
}

// WithElementActivator sets the element activation collaborator.
func WithElementActivator(a ElementActivator) Option {
	return func(e *Engine) { e.activator = a }
}

// New creates a correlation engine for one partition.
func New(cfg Config, store storage.Store, log RecordWriter, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		store:  store,
		log:    log,
		sender: sender,
		stopCh: make(chan struct{}),
	}
	e.keys = NewKeyGenerator(e.cfg.PartitionID)
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.Int("partition", int(e.cfg.PartitionID)))
	return e
}

// PartitionID returns the partition this engine serves.
func (e *Engine) PartitionID() int32 {
	return e.cfg.PartitionID
}

// pendingKind identifies which pending index a tracked outbound command
// belongs to.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingSubscription
	pendingProcessSubscription
)

// outbound is a pending cross-partition command produced by a processor. It
// is dispatched only after the triggering events are appended.
type outbound struct {
	partition int32
	command   Command

	// track identifies the stored record whose sent time is stamped after a
	// successful send, so the pending trackers know when to resend.
	track              pendingKind
	elementInstanceKey int64
	messageName        string
}

// result is the outcome of applying one command.
type result struct {
	events    []Event
	rejection *Rejection
	outbound  []outbound
}

func (r *result) appendEvent(key int64, intent Intent, record any) {
	r.events = append(r.events, Event{Key: key, Intent: intent, Record: record})
}

func (r *result) reject(reason RejectionReason, format string, args ...any) {
	r.rejection = &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Handle applies one command against current state, appends the follow-up
// events and rejection to the log, and dispatches cross-partition side
// effects after the append. It returns the rejection, if any; the error
// return is reserved for storage and log failures.
func (e *Engine) Handle(ctx context.Context, cmd Command) (*Rejection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handleLocked(ctx, cmd)
}

func (e *Engine) handleLocked(ctx context.Context, cmd Command) (*Rejection, error) {
	var res result
	var err error

	switch c := cmd.(type) {
	case *PublishMessage:
		err = e.processPublish(ctx, c, &res)
	case *ExpireMessage:
		err = e.processExpire(ctx, c, &res)
	case *CreateSubscription:
		err = e.processCreateSubscription(c, &res)
	case *CorrelateSubscription:
		err = e.processCorrelateSubscription(c, &res)
	case *DeleteSubscription:
		err = e.processDeleteSubscription(c, &res)
	case *RejectCorrelation:
		err = e.processRejectCorrelation(c, &res)
	case *SubscribeElement:
		err = e.processSubscribeElement(c, &res)
	case *UnsubscribeElement:
		err = e.processUnsubscribeElement(c, &res)
	case *OpenProcessSubscription:
		err = e.processOpenProcessSubscription(c, &res)
	case *CloseProcessSubscription:
		err = e.processCloseProcessSubscription(c, &res)
	case *CorrelateProcessSubscription:
		err = e.processCorrelateProcessSubscription(ctx, c, &res)
	default:
		return nil, fmt.Errorf("unknown command kind %q", cmd.Kind())
	}
	if err != nil {
		return nil, err
	}

	for _, ev := range res.events {
		if err := e.log.AppendFollowUpEvent(ev.Key, ev.Intent, ev.Record); err != nil {
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
	}
	if res.rejection != nil {
		if err := e.log.AppendRejection(cmd.Kind(), res.rejection.Reason, res.rejection.Message); err != nil {
			return nil, fmt.Errorf("failed to append rejection: %w", err)
		}
		if e.metrics != nil {
			e.metrics.CommandRejected(ctx, string(cmd.Kind()), res.rejection.Reason.String())
		}
	}

	// Side effects run only after the triggering events are appended; the log
	// stays the source of truth even if a send never completes.
	e.dispatch(ctx, res.outbound)

	return res.rejection, nil
}

// dispatch sends the pending outbound commands. A failed send is only logged:
// the pending trackers resend it once the sent time goes stale.
func (e *Engine) dispatch(ctx context.Context, outs []outbound) {
	for _, out := range outs {
		if err := e.sender.Send(ctx, out.partition, out.command); err != nil {
			e.logger.Warn("failed to send command",
				slog.String("kind", string(out.command.Kind())),
				slog.Int("target_partition", int(out.partition)),
				slog.String("error", err.Error()))
			continue
		}
		e.stampSent(out)
	}
}

// stampSent records the send time on the tracked pending record.
func (e *Engine) stampSent(out outbound) {
	now := e.clock.Now()
	var err error
	switch out.track {
	case pendingSubscription:
		err = e.store.Subscriptions().UpdateSentTime(out.elementInstanceKey, out.messageName, now)
	case pendingProcessSubscription:
		err = e.store.ProcessSubscriptions().UpdateSentTime(out.elementInstanceKey, out.messageName, now)
	default:
		return
	}
	if err != nil && err != storage.ErrNotFound {
		e.logger.Warn("failed to update sent time",
			slog.Int64("element_instance_key", out.elementInstanceKey),
			slog.String("message_name", out.messageName),
			slog.String("error", err.Error()))
	}
}
