// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory storage implementation.
// It is the default backend and the one used by tests.
package memory

import (
	"github.com/absmach/fluxproc/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	messages      *MessageStore
	subscriptions *SubscriptionStore
	startEvents   *StartEventStore
	processSubs   *ProcessSubscriptionStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:      NewMessageStore(),
		subscriptions: NewSubscriptionStore(),
		startEvents:   NewStartEventStore(),
		processSubs:   NewProcessSubscriptionStore(),
	}
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() storage.SubscriptionStore {
	return s.subscriptions
}

// StartEvents returns the start event subscription store.
func (s *Store) StartEvents() storage.StartEventStore {
	return s.startEvents
}

// ProcessSubscriptions returns the process subscription store.
func (s *Store) ProcessSubscriptions() storage.ProcessSubscriptionStore {
	return s.processSubs
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
