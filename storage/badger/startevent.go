// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/absmach/fluxproc/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.StartEventStore = (*StartEventStore)(nil)

// StartEventStore implements storage.StartEventStore using BadgerDB.
//
// Key layout:
//   - Subscription: start/{messageName}/{processID}
//   - Active:       active/{processID}/{correlationKey}
type StartEventStore struct {
	db *badger.DB
}

// NewStartEventStore creates a new BadgerDB start event store.
func NewStartEventStore(db *badger.DB) *StartEventStore {
	return &StartEventStore{db: db}
}

// Put stores a start event subscription.
func (s *StartEventStore) Put(sub *storage.StartEventSubscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal start event subscription: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(composeKey(prefixStartEvent, sub.MessageName, sub.ProcessID), data)
	})
}

// Delete removes a start event subscription.
func (s *StartEventStore) Delete(processID, messageName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := composeKey(prefixStartEvent, messageName, processID)
		if _, err := txn.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// ListByMessageName returns start event subscriptions for a message name in
// ascending key order.
func (s *StartEventStore) ListByMessageName(messageName string) ([]*storage.StartEventSubscription, error) {
	var subs []*storage.StartEventSubscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append(composeKey(prefixStartEvent, messageName), sep...)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				sub := &storage.StartEventSubscription{}
				if err := json.Unmarshal(val, sub); err != nil {
					return err
				}
				subs = append(subs, sub)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].Key < subs[j].Key })
	return subs, nil
}

// SetActiveInstance records an active process instance.
func (s *StartEventStore) SetActiveInstance(processID, correlationKey string, processInstanceKey int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(composeKey(prefixActive, processID, correlationKey), encodeKey(processInstanceKey))
	})
}

// HasActiveInstance reports whether an active instance exists.
func (s *StartEventStore) HasActiveInstance(processID, correlationKey string) (bool, error) {
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(composeKey(prefixActive, processID, correlationKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// RemoveActiveInstance removes the active instance registration.
func (s *StartEventStore) RemoveActiveInstance(processID, correlationKey string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(composeKey(prefixActive, processID, correlationKey))
	})
}
