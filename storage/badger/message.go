// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/fluxproc/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key layout:
//   - Message:     msg/{key}
//   - Name index:  msgname/{name}/{correlationKey}/{key}
//   - Deadline:    msgdl/{deadlineNanos}/{key}
//   - Dedup index: msgid/{name}/{correlationKey}/{messageID}
//   - Facts:       corr/{key}/{processID}
type MessageStore struct {
	db *badger.DB
}

// storedMessage is the persisted form of a message. Variables are
// s2-compressed before encoding.
type storedMessage struct {
	Key            int64         `json:"key"`
	Name           string        `json:"name"`
	CorrelationKey string        `json:"correlation_key"`
	Variables      []byte        `json:"variables,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	TimeToLive     time.Duration `json:"ttl"`
	Deadline       time.Time     `json:"deadline"`
}

// NewMessageStore creates a new BadgerDB message store.
func NewMessageStore(db *badger.DB) *MessageStore {
	return &MessageStore{db: db}
}

func encodeMessage(msg *storage.Message) ([]byte, error) {
	stored := storedMessage{
		Key:            msg.Key,
		Name:           msg.Name,
		CorrelationKey: msg.CorrelationKey,
		MessageID:      msg.MessageID,
		TimeToLive:     msg.TimeToLive,
		Deadline:       msg.Deadline,
	}
	if len(msg.Variables) > 0 {
		stored.Variables = s2.Encode(nil, msg.Variables)
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*storage.Message, error) {
	var stored storedMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg := &storage.Message{
		Key:            stored.Key,
		Name:           stored.Name,
		CorrelationKey: stored.CorrelationKey,
		MessageID:      stored.MessageID,
		TimeToLive:     stored.TimeToLive,
		Deadline:       stored.Deadline,
	}
	if len(stored.Variables) > 0 {
		variables, err := s2.Decode(nil, stored.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress variables: %w", err)
		}
		msg.Variables = variables
	}
	return msg, nil
}

// Put stores a message and updates the indexes.
func (m *MessageStore) Put(msg *storage.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(composeKey(prefixMessage, hexKey(msg.Key)), data); err != nil {
			return err
		}
		ref := encodeKey(msg.Key)
		if err := txn.Set(composeKey(prefixMessageName, msg.Name, msg.CorrelationKey, hexKey(msg.Key)), ref); err != nil {
			return err
		}
		deadline := fmt.Sprintf("%016x", uint64(msg.Deadline.UnixNano()))
		if err := txn.Set(composeKey(prefixDeadline, deadline, hexKey(msg.Key)), ref); err != nil {
			return err
		}
		if msg.MessageID != "" {
			if err := txn.Set(composeKey(prefixMessageID, msg.Name, msg.CorrelationKey, msg.MessageID), ref); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get retrieves a message by key.
func (m *MessageStore) Get(key int64) (*storage.Message, error) {
	var msg *storage.Message

	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(composeKey(prefixMessage, hexKey(key)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			msg, err = decodeMessage(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete removes a message, its indexes and its correlation facts.
func (m *MessageStore) Delete(key int64) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(composeKey(prefixMessage, hexKey(key)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var msg *storage.Message
		if err := item.Value(func(val []byte) error {
			msg, err = decodeMessage(val)
			return err
		}); err != nil {
			return err
		}

		if err := txn.Delete(composeKey(prefixMessage, hexKey(key))); err != nil {
			return err
		}
		if err := txn.Delete(composeKey(prefixMessageName, msg.Name, msg.CorrelationKey, hexKey(key))); err != nil {
			return err
		}
		deadline := fmt.Sprintf("%016x", uint64(msg.Deadline.UnixNano()))
		if err := txn.Delete(composeKey(prefixDeadline, deadline, hexKey(key))); err != nil {
			return err
		}
		if msg.MessageID != "" {
			if err := txn.Delete(composeKey(prefixMessageID, msg.Name, msg.CorrelationKey, msg.MessageID)); err != nil {
				return err
			}
		}

		// Correlation facts go with the message
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append(composeKey(prefixCorrelation, hexKey(key)), sep...)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var factKeys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			factKeys = append(factKeys, it.Item().KeyCopy(nil))
		}
		for _, fk := range factKeys {
			if err := txn.Delete(fk); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExistsWithID reports whether a live message exists for the dedup triple.
func (m *MessageStore) ExistsWithID(name, correlationKey, messageID string) (bool, error) {
	exists := false
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(composeKey(prefixMessageID, name, correlationKey, messageID))
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

// ListByName returns all live messages for (name, correlation key) in
// ascending key order.
func (m *MessageStore) ListByName(name, correlationKey string) ([]*storage.Message, error) {
	var messages []*storage.Message

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append(composeKey(prefixMessageName, name, correlationKey), sep...)
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys []int64
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				keys = append(keys, decodeKey(val))
				return nil
			})
			if err != nil {
				return err
			}
		}

		for _, key := range keys {
			item, err := txn.Get(composeKey(prefixMessage, hexKey(key)))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue // index slightly ahead of a delete; skip
				}
				return err
			}
			err = item.Value(func(val []byte) error {
				msg, err := decodeMessage(val)
				if err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return messages, err
}

// ListDeadlineBefore returns keys of messages past their deadline in deadline order.
func (m *MessageStore) ListDeadlineBefore(deadline time.Time, limit int) ([]int64, error) {
	var keys []int64

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append([]byte(prefixDeadline), sep...)
		it := txn.NewIterator(opts)
		defer it.Close()

		cutoff := uint64(deadline.UnixNano())
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			parts := strings.Split(key, sep)
			if len(parts) != 3 {
				continue
			}
			nanos, err := strconv.ParseUint(parts[1], 16, 64)
			if err != nil {
				continue
			}
			if nanos >= cutoff {
				break // deadline index is ordered
			}
			err = it.Item().Value(func(val []byte) error {
				keys = append(keys, decodeKey(val))
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, err
}

// AddCorrelation records a delivered-into-process fact.
func (m *MessageStore) AddCorrelation(messageKey int64, processID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(composeKey(prefixCorrelation, hexKey(messageKey), processID), nil)
	})
}

// HasCorrelation reports whether a delivered-into-process fact exists.
func (m *MessageStore) HasCorrelation(messageKey int64, processID string) (bool, error) {
	exists := false
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(composeKey(prefixCorrelation, hexKey(messageKey), processID))
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
