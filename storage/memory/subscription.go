// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxproc/storage"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore is an in-memory implementation of storage.SubscriptionStore.
type SubscriptionStore struct {
	mu sync.RWMutex
	// byElement indexes by (element instance key, message name)
	byElement map[elementKey]*storage.Subscription
}

type elementKey struct {
	elementInstanceKey int64
	messageName        string
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		byElement: make(map[elementKey]*storage.Subscription),
	}
}

// Put stores or updates a subscription.
func (s *SubscriptionStore) Put(sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byElement[elementKey{sub.ElementInstanceKey, sub.MessageName}] = storage.CopySubscription(sub)
	return nil
}

// Get retrieves a subscription by (element instance key, message name).
func (s *SubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byElement[elementKey{elementInstanceKey, messageName}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopySubscription(sub), nil
}

// Delete removes a subscription.
func (s *SubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := elementKey{elementInstanceKey, messageName}
	if _, ok := s.byElement[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.byElement, k)
	return nil
}

// ListByMessage returns subscriptions for (message name, correlation key) in
// ascending subscription key order.
func (s *SubscriptionStore) ListByMessage(messageName, correlationKey string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Subscription
	for _, sub := range s.byElement {
		if sub.MessageName == messageName && sub.CorrelationKey == correlationKey {
			result = append(result, storage.CopySubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// ListCorrelatingBefore returns correlating subscriptions with stale sent times.
func (s *SubscriptionStore) ListCorrelatingBefore(sentBefore time.Time) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Subscription
	for _, sub := range s.byElement {
		if sub.State == storage.SubscriptionCorrelating && sub.SentTime.Before(sentBefore) {
			result = append(result, storage.CopySubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// UpdateSentTime records the last outbound command send time.
func (s *SubscriptionStore) UpdateSentTime(elementInstanceKey int64, messageName string, sentTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byElement[elementKey{elementInstanceKey, messageName}]
	if !ok {
		return storage.ErrNotFound
	}
	sub.SentTime = sentTime
	return nil
}
