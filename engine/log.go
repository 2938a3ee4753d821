// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
)

// Event is a follow-up event appended to the partition log.
type Event struct {
	Key    int64
	Intent Intent
	Record any
}

// LoggedRejection is a rejection appended to the partition log.
type LoggedRejection struct {
	Command CommandKind
	Reason  RejectionReason
	Message string
}

// RecordWriter appends follow-up events and rejections to the durable
// partition log. The replicated log itself is an external collaborator; the
// engine only needs the append surface.
type RecordWriter interface {
	// AppendFollowUpEvent appends an event for the given record key.
	AppendFollowUpEvent(key int64, intent Intent, record any) error

	// AppendRejection appends a command rejection.
	AppendRejection(kind CommandKind, reason RejectionReason, message string) error
}

var _ RecordWriter = (*MemoryLog)(nil)

// MemoryLog is an in-memory RecordWriter. It backs tests and embedded setups
// where the replicated log lives elsewhere.
type MemoryLog struct {
	mu         sync.Mutex
	events     []Event
	rejections []LoggedRejection
}

// NewMemoryLog creates a new in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// AppendFollowUpEvent appends an event.
func (l *MemoryLog) AppendFollowUpEvent(key int64, intent Intent, record any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Key: key, Intent: intent, Record: record})
	return nil
}

// AppendRejection appends a rejection.
func (l *MemoryLog) AppendRejection(kind CommandKind, reason RejectionReason, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejections = append(l.rejections, LoggedRejection{Command: kind, Reason: reason, Message: message})
	return nil
}

// Events returns a snapshot of all appended events.
func (l *MemoryLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsWithIntent returns all appended events carrying the given intent.
func (l *MemoryLog) EventsWithIntent(intent Intent) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Intent == intent {
			out = append(out, ev)
		}
	}
	return out
}

// Rejections returns a snapshot of all appended rejections.
func (l *MemoryLog) Rejections() []LoggedRejection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoggedRejection, len(l.rejections))
	copy(out, l.rejections)
	return out
}
