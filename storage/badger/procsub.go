// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/fluxproc/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.ProcessSubscriptionStore = (*ProcessSubscriptionStore)(nil)

// ProcessSubscriptionStore implements storage.ProcessSubscriptionStore using
// BadgerDB.
//
// Key layout:
//   - Subscription: psub/{elementInstanceKey}/{messageName}
type ProcessSubscriptionStore struct {
	db *badger.DB
}

// NewProcessSubscriptionStore creates a new BadgerDB process subscription store.
func NewProcessSubscriptionStore(db *badger.DB) *ProcessSubscriptionStore {
	return &ProcessSubscriptionStore{db: db}
}

func processSubscriptionKey(elementInstanceKey int64, messageName string) []byte {
	return composeKey(prefixProcSub, hexKey(elementInstanceKey), messageName)
}

// Put stores or updates a process subscription.
func (s *ProcessSubscriptionStore) Put(sub *storage.ProcessSubscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal process subscription: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(processSubscriptionKey(sub.ElementInstanceKey, sub.MessageName), data)
	})
}

// Get retrieves a process subscription.
func (s *ProcessSubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.ProcessSubscription, error) {
	var sub *storage.ProcessSubscription

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(processSubscriptionKey(elementInstanceKey, messageName))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			sub = &storage.ProcessSubscription{}
			return json.Unmarshal(val, sub)
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes a process subscription.
func (s *ProcessSubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := processSubscriptionKey(elementInstanceKey, messageName)
		if _, err := txn.Get(key); err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// ListPendingBefore returns OPENING and CLOSING subscriptions with stale sent times.
func (s *ProcessSubscriptionStore) ListPendingBefore(sentBefore time.Time) ([]*storage.ProcessSubscription, error) {
	var subs []*storage.ProcessSubscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append([]byte(prefixProcSub), sep...)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				sub := &storage.ProcessSubscription{}
				if err := json.Unmarshal(val, sub); err != nil {
					return err
				}
				if sub.State == storage.ProcessSubscriptionOpened {
					return nil
				}
				if sub.SentTime.Before(sentBefore) {
					subs = append(subs, sub)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return subs, err
}

// UpdateSentTime records the last outbound command send time.
func (s *ProcessSubscriptionStore) UpdateSentTime(elementInstanceKey int64, messageName string, sentTime time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := processSubscriptionKey(elementInstanceKey, messageName)
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var sub storage.ProcessSubscription
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		}); err != nil {
			return err
		}

		sub.SentTime = sentTime
		data, err := json.Marshal(&sub)
		if err != nil {
			return fmt.Errorf("failed to marshal process subscription: %w", err)
		}
		return txn.Set(key, data)
	})
}
