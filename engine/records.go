// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"
)

// CommandKind identifies an inbound command type.
type CommandKind string

const (
	// Commands processed on the partition owning the message hash.
	KindPublishMessage        CommandKind = "message.publish"
	KindExpireMessage         CommandKind = "message.expire"
	KindCreateSubscription    CommandKind = "subscription.create"
	KindCorrelateSubscription CommandKind = "subscription.correlate"
	KindDeleteSubscription    CommandKind = "subscription.delete"
	KindRejectCorrelation     CommandKind = "subscription.reject"

	// Commands processed on the partition owning the process instance.
	KindSubscribeElement         CommandKind = "procsub.subscribe"
	KindUnsubscribeElement       CommandKind = "procsub.unsubscribe"
	KindOpenProcessSubscription  CommandKind = "procsub.open"
	KindCloseProcessSubscription CommandKind = "procsub.close"
	KindCorrelateProcess         CommandKind = "procsub.correlate"
)

// Command is an inbound partition command.
type Command interface {
	Kind() CommandKind
}

// PublishMessage publishes a message on the partition owning its
// (name, correlation key) hash.
type PublishMessage struct {
	Name           string        `json:"name"`
	CorrelationKey string        `json:"correlation_key"`
	Variables      []byte        `json:"variables,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	TimeToLive     time.Duration `json:"ttl"`
}

func (*PublishMessage) Kind() CommandKind { return KindPublishMessage }

// ExpireMessage removes a message past its deadline.
type ExpireMessage struct {
	MessageKey int64 `json:"message_key"`
}

func (*ExpireMessage) Kind() CommandKind { return KindExpireMessage }

// CreateSubscription opens a message subscription on the partition owning the
// message hash. Sent by the process partition when an element starts waiting.
type CreateSubscription struct {
	ElementInstanceKey int64  `json:"element_instance_key"`
	ProcessInstanceKey int64  `json:"process_instance_key"`
	ProcessID          string `json:"process_id"`
	ProcessPartition   int32  `json:"process_partition"`
	MessageName        string `json:"message_name"`
	CorrelationKey     string `json:"correlation_key"`
	Interrupting       bool   `json:"interrupting"`
}

func (*CreateSubscription) Kind() CommandKind { return KindCreateSubscription }

// CorrelateSubscription acknowledges that the paired element consumed the
// message. Sent by the process partition back to the message partition.
type CorrelateSubscription struct {
	ElementInstanceKey int64  `json:"element_instance_key"`
	MessageName        string `json:"message_name"`
	MessageKey         int64  `json:"message_key"`
	Variables          []byte `json:"variables,omitempty"`
	CorrelationKey     string `json:"correlation_key"`
}

func (*CorrelateSubscription) Kind() CommandKind { return KindCorrelateSubscription }

// DeleteSubscription closes a message subscription. Sent by the process
// partition when the element stops waiting.
type DeleteSubscription struct {
	ElementInstanceKey int64  `json:"element_instance_key"`
	ProcessInstanceKey int64  `json:"process_instance_key"`
	ProcessPartition   int32  `json:"process_partition"`
	MessageName        string `json:"message_name"`
}

func (*DeleteSubscription) Kind() CommandKind { return KindDeleteSubscription }

// RejectCorrelation re-offers a message whose correlate command the process
// side could not apply.
type RejectCorrelation struct {
	MessageKey     int64  `json:"message_key"`
	ProcessID      string `json:"process_id"`
	MessageName    string `json:"message_name"`
	CorrelationKey string `json:"correlation_key"`
}

func (*RejectCorrelation) Kind() CommandKind { return KindRejectCorrelation }

// SubscribeElement registers that an element instance started waiting for a
// message. Processed on the process partition; triggers the cross-partition
// open choreography.
type SubscribeElement struct {
	ElementInstanceKey int64  `json:"element_instance_key"`
	ProcessInstanceKey int64  `json:"process_instance_key"`
	ProcessID          string `json:"process_id"`
	MessageName        string `json:"message_name"`
	CorrelationKey     string `json:"correlation_key"`
	Interrupting       bool   `json:"interrupting"`
}

func (*SubscribeElement) Kind() CommandKind { return KindSubscribeElement }

// UnsubscribeElement registers that an element instance stopped waiting.
type UnsubscribeElement struct {
	ElementInstanceKey int64  `json:"element_instance_key"`
	MessageName        string `json:"message_name"`
}

func (*UnsubscribeElement) Kind() CommandKind { return KindUnsubscribeElement }

// OpenProcessSubscription acknowledges an opened message subscription.
// Sent by the message partition to the process partition.
type OpenProcessSubscription struct {
	ProcessInstanceKey int64  `json:"process_instance_key"`
	ElementInstanceKey int64  `json:"element_instance_key"`
	MessageName        string `json:"message_name"`
}

func (*OpenProcessSubscription) Kind() CommandKind { return KindOpenProcessSubscription }

// CloseProcessSubscription acknowledges a closed message subscription.
type CloseProcessSubscription struct {
	ProcessInstanceKey int64  `json:"process_instance_key"`
	ElementInstanceKey int64  `json:"element_instance_key"`
	MessageName        string `json:"message_name"`
}

func (*CloseProcessSubscription) Kind() CommandKind { return KindCloseProcessSubscription }

// CorrelateProcessSubscription proposes delivering a matched message into a
// waiting element. Sent by the message partition to the process partition.
type CorrelateProcessSubscription struct {
	ProcessInstanceKey int64  `json:"process_instance_key"`
	ElementInstanceKey int64  `json:"element_instance_key"`
	ProcessID          string `json:"process_id"`
	MessageName        string `json:"message_name"`
	MessageKey         int64  `json:"message_key"`
	Variables          []byte `json:"variables,omitempty"`
	CorrelationKey     string `json:"correlation_key"`
}

func (*CorrelateProcessSubscription) Kind() CommandKind { return KindCorrelateProcess }

// Intent identifies a follow-up event type.
type Intent string

const (
	IntentMessagePublished Intent = "message:published"
	IntentMessageExpired   Intent = "message:expired"

	IntentSubscriptionCreated     Intent = "subscription:created"
	IntentSubscriptionCorrelating Intent = "subscription:correlating"
	IntentSubscriptionCorrelated  Intent = "subscription:correlated"
	IntentSubscriptionRejected    Intent = "subscription:rejected"
	IntentSubscriptionDeleted     Intent = "subscription:deleted"

	IntentStartEventTriggered Intent = "start_event:triggered"

	IntentProcessSubscriptionOpening    Intent = "process_subscription:opening"
	IntentProcessSubscriptionOpened     Intent = "process_subscription:opened"
	IntentProcessSubscriptionCorrelated Intent = "process_subscription:correlated"
	IntentProcessSubscriptionClosing    Intent = "process_subscription:closing"
	IntentProcessSubscriptionClosed     Intent = "process_subscription:closed"
)

// RejectionReason classifies why a command was rejected.
type RejectionReason int

const (
	// RejectionAlreadyExists means a duplicate message ID within its live window.
	RejectionAlreadyExists RejectionReason = iota
	// RejectionNotFound means the command references state that no longer
	// exists, typically the benign outcome of a race.
	RejectionNotFound
	// RejectionInvalidState means the command violates a precondition.
	RejectionInvalidState
)

func (r RejectionReason) String() string {
	switch r {
	case RejectionAlreadyExists:
		return "ALREADY_EXISTS"
	case RejectionNotFound:
		return "NOT_FOUND"
	case RejectionInvalidState:
		return "INVALID_STATE"
	default:
		return "UNKNOWN"
	}
}

// Rejection is a command rejection appended to the log and returned to the
// synchronous caller if one exists. It never halts the partition.
type Rejection struct {
	Reason  RejectionReason
	Message string
}

// MessageExpired is the follow-up event record for a message removed at its
// deadline.
type MessageExpired struct {
	MessageKey int64 `json:"message_key"`
}

// StartEventTriggered is the follow-up event record for a triggered message
// start event.
type StartEventTriggered struct {
	SubscriptionKey    int64  `json:"subscription_key"`
	ProcessID          string `json:"process_id"`
	ProcessInstanceKey int64  `json:"process_instance_key"`
	MessageKey         int64  `json:"message_key"`
	CorrelationKey     string `json:"correlation_key,omitempty"`
}
