// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxproc/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of storage.MessageStore.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[int64]*storage.Message
	// byName indexes message keys by (name, correlation key)
	byName map[nameKey][]int64
	// byID is the message ID dedup index: (name, correlation key, message ID) -> key
	byID map[idKey]int64
	// correlations holds the delivered-into-process facts per message key
	correlations map[int64]map[string]struct{}
}

type nameKey struct {
	name           string
	correlationKey string
}

type idKey struct {
	name           string
	correlationKey string
	messageID      string
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages:     make(map[int64]*storage.Message),
		byName:       make(map[nameKey][]int64),
		byID:         make(map[idKey]int64),
		correlations: make(map[int64]map[string]struct{}),
	}
}

// Put stores a message and updates the indexes.
func (s *MessageStore) Put(msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := storage.CopyMessage(msg)
	_, existed := s.messages[cp.Key]
	s.messages[cp.Key] = cp

	if !existed {
		nk := nameKey{name: cp.Name, correlationKey: cp.CorrelationKey}
		s.byName[nk] = append(s.byName[nk], cp.Key)
	}

	if cp.MessageID != "" {
		s.byID[idKey{cp.Name, cp.CorrelationKey, cp.MessageID}] = cp.Key
	}
	return nil
}

// Get retrieves a message by key.
func (s *MessageStore) Get(key int64) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(msg), nil
}

// Delete removes a message, its indexes and its correlation facts.
func (s *MessageStore) Delete(key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[key]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.messages, key)

	nk := nameKey{name: msg.Name, correlationKey: msg.CorrelationKey}
	keys := s.byName[nk]
	for i, k := range keys {
		if k == key {
			s.byName[nk] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(s.byName[nk]) == 0 {
		delete(s.byName, nk)
	}

	if msg.MessageID != "" {
		delete(s.byID, idKey{msg.Name, msg.CorrelationKey, msg.MessageID})
	}

	delete(s.correlations, key)
	return nil
}

// ExistsWithID reports whether a live message exists for the dedup triple.
func (s *MessageStore) ExistsWithID(name, correlationKey, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byID[idKey{name, correlationKey, messageID}]
	return ok, nil
}

// ListByName returns all live messages for (name, correlation key) in
// ascending key order.
func (s *MessageStore) ListByName(name, correlationKey string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byName[nameKey{name: name, correlationKey: correlationKey}]
	result := make([]*storage.Message, 0, len(keys))
	for _, k := range keys {
		if msg, ok := s.messages[k]; ok {
			result = append(result, storage.CopyMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// ListDeadlineBefore returns keys of messages past their deadline.
func (s *MessageStore) ListDeadlineBefore(deadline time.Time, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		key      int64
		deadline time.Time
	}
	var candidates []candidate
	for k, msg := range s.messages {
		if msg.Deadline.Before(deadline) {
			candidates = append(candidates, candidate{key: k, deadline: msg.Deadline})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].deadline.Equal(candidates[j].deadline) {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].deadline.Before(candidates[j].deadline)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	keys := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, c.key)
	}
	return keys, nil
}

// AddCorrelation records a delivered-into-process fact.
func (s *MessageStore) AddCorrelation(messageKey int64, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	facts, ok := s.correlations[messageKey]
	if !ok {
		facts = make(map[string]struct{})
		s.correlations[messageKey] = facts
	}
	facts[processID] = struct{}{}
	return nil
}

// HasCorrelation reports whether a delivered-into-process fact exists.
func (s *MessageStore) HasCorrelation(messageKey int64, processID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facts, ok := s.correlations[messageKey]
	if !ok {
		return false, nil
	}
	_, ok = facts[processID]
	return ok, nil
}
