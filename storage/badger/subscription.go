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

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore implements storage.SubscriptionStore using BadgerDB.
//
// Key layout:
//   - Subscription: sub/{elementInstanceKey}/{messageName}
//   - Name index:   subname/{messageName}/{correlationKey}/{subscriptionKey}
type SubscriptionStore struct {
	db *badger.DB
}

// NewSubscriptionStore creates a new BadgerDB subscription store.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func subscriptionKey(elementInstanceKey int64, messageName string) []byte {
	return composeKey(prefixSubscription, hexKey(elementInstanceKey), messageName)
}

// Put stores or updates a subscription.
func (s *SubscriptionStore) Put(sub *storage.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		primary := subscriptionKey(sub.ElementInstanceKey, sub.MessageName)
		if err := txn.Set(primary, data); err != nil {
			return err
		}
		index := composeKey(prefixSubName, sub.MessageName, sub.CorrelationKey, hexKey(sub.Key))
		return txn.Set(index, primary)
	})
}

// Get retrieves a subscription by (element instance key, message name).
func (s *SubscriptionStore) Get(elementInstanceKey int64, messageName string) (*storage.Subscription, error) {
	var sub *storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subscriptionKey(elementInstanceKey, messageName))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			sub = &storage.Subscription{}
			return json.Unmarshal(val, sub)
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes a subscription and its name index entry.
func (s *SubscriptionStore) Delete(elementInstanceKey int64, messageName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		primary := subscriptionKey(elementInstanceKey, messageName)
		item, err := txn.Get(primary)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var sub storage.Subscription
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		}); err != nil {
			return err
		}

		if err := txn.Delete(primary); err != nil {
			return err
		}
		return txn.Delete(composeKey(prefixSubName, sub.MessageName, sub.CorrelationKey, hexKey(sub.Key)))
	})
}

// ListByMessage returns subscriptions for (message name, correlation key) in
// ascending subscription key order.
func (s *SubscriptionStore) ListByMessage(messageName, correlationKey string) ([]*storage.Subscription, error) {
	var subs []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append(composeKey(prefixSubName, messageName, correlationKey), sep...)
		it := txn.NewIterator(opts)
		defer it.Close()

		var primaries [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				primary := make([]byte, len(val))
				copy(primary, val)
				primaries = append(primaries, primary)
				return nil
			})
			if err != nil {
				return err
			}
		}

		for _, primary := range primaries {
			item, err := txn.Get(primary)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return err
			}
			err = item.Value(func(val []byte) error {
				sub := &storage.Subscription{}
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
	return subs, err
}

// ListCorrelatingBefore returns correlating subscriptions with stale sent times.
func (s *SubscriptionStore) ListCorrelatingBefore(sentBefore time.Time) ([]*storage.Subscription, error) {
	var subs []*storage.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append([]byte(prefixSubscription), sep...)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				sub := &storage.Subscription{}
				if err := json.Unmarshal(val, sub); err != nil {
					return err
				}
				if sub.State == storage.SubscriptionCorrelating && sub.SentTime.Before(sentBefore) {
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
func (s *SubscriptionStore) UpdateSentTime(elementInstanceKey int64, messageName string, sentTime time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		primary := subscriptionKey(elementInstanceKey, messageName)
		item, err := txn.Get(primary)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var sub storage.Subscription
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		}); err != nil {
			return err
		}

		sub.SentTime = sentTime
		data, err := json.Marshal(&sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		return txn.Set(primary, data)
	})
}
