// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"hash/fnv"
	"sync/atomic"
)

// partitionKeyBits is the number of low bits reserved for the per-partition
// counter. The partition ID occupies the bits above, so keys generated on
// different partitions never collide.
const partitionKeyBits = 51

// KeyGenerator produces unique monotonic keys scoped to one partition.
type KeyGenerator struct {
	partitionID int32
	counter     atomic.Int64
}

// NewKeyGenerator creates a key generator for a partition.
func NewKeyGenerator(partitionID int32) *KeyGenerator {
	return &KeyGenerator{partitionID: partitionID}
}

// NextKey returns the next unique key.
func (g *KeyGenerator) NextKey() int64 {
	n := g.counter.Add(1)
	return int64(g.partitionID)<<partitionKeyBits | n
}

// PartitionOfKey extracts the partition ID that generated a key.
func PartitionOfKey(key int64) int32 {
	return int32(key >> partitionKeyBits)
}

// PartitionFor returns the partition owning the hash of a correlation key.
// Partitions are numbered 1..partitionCount.
func PartitionFor(correlationKey string, partitionCount int32) int32 {
	h := fnv.New32a()
	h.Write([]byte(correlationKey))
	return int32(h.Sum32()%uint32(partitionCount)) + 1
}
