// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the composite storage interface providing access to all
// partition-scoped stores. A Store instance belongs to exactly one partition
// and is never shared across partitions.
type Store interface {
	// Messages returns the published message store.
	Messages() MessageStore

	// Subscriptions returns the message subscription store.
	Subscriptions() SubscriptionStore

	// StartEvents returns the message start event subscription store.
	StartEvents() StartEventStore

	// ProcessSubscriptions returns the process-instance side subscription store.
	ProcessSubscriptions() ProcessSubscriptionStore

	// Close closes all storage backends.
	Close() error
}

// Message is a published message waiting to be correlated.
type Message struct {
	Key            int64         `json:"key"`
	Name           string        `json:"name"`
	CorrelationKey string        `json:"correlation_key"`
	Variables      []byte        `json:"variables,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	TimeToLive     time.Duration `json:"ttl"`
	Deadline       time.Time     `json:"deadline"`
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cp := *msg
	if len(msg.Variables) > 0 {
		cp.Variables = make([]byte, len(msg.Variables))
		copy(cp.Variables, msg.Variables)
	}
	return &cp
}

// SubscriptionState describes the lifecycle state of a message subscription.
type SubscriptionState int

const (
	// SubscriptionCreated means the subscription is open and may match a message.
	SubscriptionCreated SubscriptionState = iota
	// SubscriptionCorrelating means the subscription is tentatively matched to a
	// message and waits for the correlate acknowledgement.
	SubscriptionCorrelating
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionCreated:
		return "CREATED"
	case SubscriptionCorrelating:
		return "CORRELATING"
	default:
		return "UNKNOWN"
	}
}

// Subscription is a message subscription stored on the partition that owns the
// (name, correlation key) hash. At most one live subscription exists per
// (element instance key, message name).
type Subscription struct {
	Key                int64             `json:"key"`
	ElementInstanceKey int64             `json:"element_instance_key"`
	ProcessInstanceKey int64             `json:"process_instance_key"`
	ProcessID          string            `json:"process_id"`
	ProcessPartition   int32             `json:"process_partition"`
	MessageName        string            `json:"message_name"`
	CorrelationKey     string            `json:"correlation_key"`
	Interrupting       bool              `json:"interrupting"`
	State              SubscriptionState `json:"state"`
	MessageKey         int64             `json:"message_key,omitempty"`
	SentTime           time.Time         `json:"sent_time,omitempty"`
}

// CopySubscription creates a copy of a subscription.
func CopySubscription(sub *Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	cp := *sub
	return &cp
}

// StartEventSubscription is a deployment-scoped subscription that starts a new
// process instance when a matching message is published. It is read-only to
// the correlation engine.
type StartEventSubscription struct {
	Key          int64  `json:"key"`
	ProcessID    string `json:"process_id"`
	MessageName  string `json:"message_name"`
	StartEventID string `json:"start_event_id"`
}

// ProcessSubscriptionState describes the process-instance side subscription state.
type ProcessSubscriptionState int

const (
	// ProcessSubscriptionOpening means the open command was sent and not yet acknowledged.
	ProcessSubscriptionOpening ProcessSubscriptionState = iota
	// ProcessSubscriptionOpened means the subscription is acknowledged and live.
	ProcessSubscriptionOpened
	// ProcessSubscriptionClosing means the close command was sent and not yet acknowledged.
	ProcessSubscriptionClosing
)

func (s ProcessSubscriptionState) String() string {
	switch s {
	case ProcessSubscriptionOpening:
		return "OPENING"
	case ProcessSubscriptionOpened:
		return "OPENED"
	case ProcessSubscriptionClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// ProcessSubscription is the process-instance side record of a message
// subscription, stored on the partition that owns the process instance.
type ProcessSubscription struct {
	SubscriptionPartition int32                    `json:"subscription_partition"`
	ElementInstanceKey    int64                    `json:"element_instance_key"`
	ProcessInstanceKey    int64                    `json:"process_instance_key"`
	ProcessID             string                   `json:"process_id"`
	MessageName           string                   `json:"message_name"`
	CorrelationKey        string                   `json:"correlation_key"`
	Interrupting          bool                     `json:"interrupting"`
	State                 ProcessSubscriptionState `json:"state"`
	SentTime              time.Time                `json:"sent_time,omitempty"`
}

// CopyProcessSubscription creates a copy of a process subscription.
func CopyProcessSubscription(sub *ProcessSubscription) *ProcessSubscription {
	if sub == nil {
		return nil
	}
	cp := *sub
	return &cp
}

// MessageStore handles published message persistence, the correlation facts
// recorded against messages, and the message ID dedup index.
type MessageStore interface {
	// Put stores a message. The message ID dedup index is updated when the
	// message carries a message ID.
	Put(msg *Message) error

	// Get retrieves a message by key.
	Get(key int64) (*Message, error)

	// Delete removes a message, its indexes and its correlation facts.
	Delete(key int64) error

	// ExistsWithID reports whether a live message exists for the given
	// (name, correlation key, message ID) triple.
	ExistsWithID(name, correlationKey, messageID string) (bool, error)

	// ListByName returns all live messages for (name, correlation key) in
	// ascending key order, which is insertion order.
	ListByName(name, correlationKey string) ([]*Message, error)

	// ListDeadlineBefore returns keys of messages whose deadline is before the
	// given time, in deadline order. A limit of 0 means no limit.
	ListDeadlineBefore(deadline time.Time, limit int) ([]int64, error)

	// AddCorrelation records the fact that the message was delivered into the
	// given logical process.
	AddCorrelation(messageKey int64, processID string) error

	// HasCorrelation reports whether the message was already delivered into
	// the given logical process. Facts live exactly as long as their message:
	// they are removed only when the message is.
	HasCorrelation(messageKey int64, processID string) (bool, error)
}

// SubscriptionStore handles message subscription persistence on the partition
// owning the message hash.
type SubscriptionStore interface {
	// Put stores or updates a subscription.
	Put(sub *Subscription) error

	// Get retrieves a subscription by (element instance key, message name).
	Get(elementInstanceKey int64, messageName string) (*Subscription, error)

	// Delete removes a subscription.
	Delete(elementInstanceKey int64, messageName string) error

	// ListByMessage returns all subscriptions for (message name, correlation
	// key) in ascending subscription key order.
	ListByMessage(messageName, correlationKey string) ([]*Subscription, error)

	// ListCorrelatingBefore returns correlating subscriptions whose sent time
	// is before the given time.
	ListCorrelatingBefore(sentBefore time.Time) ([]*Subscription, error)

	// UpdateSentTime records the time the last outbound command was sent for
	// the subscription.
	UpdateSentTime(elementInstanceKey int64, messageName string, sentTime time.Time) error
}

// StartEventStore handles start event subscriptions and the registry of
// process instances started through them.
type StartEventStore interface {
	// Put stores a start event subscription. Called on process deployment.
	Put(sub *StartEventSubscription) error

	// Delete removes a start event subscription. Called on process removal.
	Delete(processID, messageName string) error

	// ListByMessageName returns all start event subscriptions for a message
	// name in ascending key order.
	ListByMessageName(messageName string) ([]*StartEventSubscription, error)

	// SetActiveInstance records an active process instance started for
	// (process ID, correlation key).
	SetActiveInstance(processID, correlationKey string, processInstanceKey int64) error

	// HasActiveInstance reports whether an active instance exists for
	// (process ID, correlation key).
	HasActiveInstance(processID, correlationKey string) (bool, error)

	// RemoveActiveInstance removes the active instance registration.
	RemoveActiveInstance(processID, correlationKey string) error
}

// ProcessSubscriptionStore handles process-instance side subscriptions.
// Only OPENING and CLOSING records appear in the pending index; an OPENED
// subscription needs no redelivery.
type ProcessSubscriptionStore interface {
	// Put stores or updates a process subscription.
	Put(sub *ProcessSubscription) error

	// Get retrieves a process subscription by (element instance key, message name).
	Get(elementInstanceKey int64, messageName string) (*ProcessSubscription, error)

	// Delete removes a process subscription.
	Delete(elementInstanceKey int64, messageName string) error

	// ListPendingBefore returns OPENING and CLOSING subscriptions whose sent
	// time is before the given time.
	ListPendingBefore(sentBefore time.Time) ([]*ProcessSubscription, error)

	// UpdateSentTime records the time the last outbound command was sent.
	UpdateSentTime(elementInstanceKey int64, messageName string, sentTime time.Time) error
}
