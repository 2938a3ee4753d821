// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxproc/storage"
)

var _ storage.ProcessSubscriptionStore = (*ProcessSubscriptionStore)(nil)

// ProcessSubscriptionStore is an in-memory implementation of
// storage.ProcessSubscriptionStore.
type ProcessSubscriptionStore struct {
	mu        sync.RWMutex
	byElement map[elementKey]*storage.ProcessSubscription
}

// NewProcessSubscriptionStore creates a new in-memory process subscription store.
func NewProcessSubscriptionStore() *ProcessSubscriptionStore {
	return &ProcessSubscriptionStore{
		byElement: make(map[elementKey]*storage.ProcessSubscription),
	}
}

// Put stores or updates a process subscription.
func (s *ProcessSubscriptionStore) Put(sub *storage.ProcessSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byElement[elementKey{sub.ElementInstanceKey, sub.MessageName}] = storage.CopyProcessSubscription(sub)
	return nil
}

// Get retrieves a process subscription.
func (s *ProcessSubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.ProcessSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byElement[elementKey{elementInstanceKey, messageName}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyProcessSubscription(sub), nil
}

// Delete removes a process subscription.
func (s *ProcessSubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := elementKey{elementInstanceKey, messageName}
	if _, ok := s.byElement[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.byElement, k)
	return nil
}

// ListPendingBefore returns OPENING and CLOSING subscriptions with stale sent times.
func (s *ProcessSubscriptionStore) ListPendingBefore(sentBefore time.Time) ([]*storage.ProcessSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.ProcessSubscription
	for _, sub := range s.byElement {
		if sub.State == storage.ProcessSubscriptionOpened {
			continue
		}
		if sub.SentTime.Before(sentBefore) {
			result = append(result, storage.CopyProcessSubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ElementInstanceKey == result[j].ElementInstanceKey {
			return result[i].MessageName < result[j].MessageName
		}
		return result[i].ElementInstanceKey < result[j].ElementInstanceKey
	})
	return result, nil
}

// UpdateSentTime records the last outbound command send time.
func (s *ProcessSubscriptionStore) UpdateSentTime(elementInstanceKey int64, messageName string, sentTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byElement[elementKey{elementInstanceKey, messageName}]
	if !ok {
		return storage.ErrNotFound
	}
	sub.SentTime = sentTime
	return nil
}
