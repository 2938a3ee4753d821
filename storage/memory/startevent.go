// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"

	"github.com/absmach/fluxproc/storage"
)

var _ storage.StartEventStore = (*StartEventStore)(nil)

// StartEventStore is an in-memory implementation of storage.StartEventStore.
type StartEventStore struct {
	mu sync.RWMutex
	// byProcess indexes by (process ID, message name)
	byProcess map[processKey]*storage.StartEventSubscription
	// active holds (process ID, correlation key) -> process instance key
	active map[processKey]int64
}

type processKey struct {
	processID string
	scope     string // message name for subscriptions, correlation key for instances
}

// NewStartEventStore creates a new in-memory start event store.
func NewStartEventStore() *StartEventStore {
	return &StartEventStore{
		byProcess: make(map[processKey]*storage.StartEventSubscription),
		active:    make(map[processKey]int64),
	}
}

// Put stores a start event subscription.
func (s *StartEventStore) Put(sub *storage.StartEventSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sub
	s.byProcess[processKey{sub.ProcessID, sub.MessageName}] = &cp
	return nil
}

// Delete removes a start event subscription.
func (s *StartEventStore) Delete(processID, messageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := processKey{processID, messageName}
	if _, ok := s.byProcess[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.byProcess, k)
	return nil
}

// ListByMessageName returns start event subscriptions for a message name in
// ascending key order.
func (s *StartEventStore) ListByMessageName(messageName string) ([]*storage.StartEventSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.StartEventSubscription
	for _, sub := range s.byProcess {
		if sub.MessageName == messageName {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// SetActiveInstance records an active process instance.
func (s *StartEventStore) SetActiveInstance(processID, correlationKey string, processInstanceKey int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[processKey{processID, correlationKey}] = processInstanceKey
	return nil
}

// HasActiveInstance reports whether an active instance exists.
func (s *StartEventStore) HasActiveInstance(processID, correlationKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.active[processKey{processID, correlationKey}]
	return ok, nil
}

// RemoveActiveInstance removes the active instance registration.
func (s *StartEventStore) RemoveActiveInstance(processID, correlationKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, processKey{processID, correlationKey})
	return nil
}
