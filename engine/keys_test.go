// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyGeneratorPartitionScoped(t *testing.T) {
	g1 := NewKeyGenerator(1)
	g2 := NewKeyGenerator(2)

	k1 := g1.NextKey()
	k2 := g2.NextKey()

	assert.Equal(t, int32(1), PartitionOfKey(k1))
	assert.Equal(t, int32(2), PartitionOfKey(k2))
	assert.NotEqual(t, k1, k2)

	assert.Less(t, k1, g1.NextKey())
}

func TestPartitionForIsStable(t *testing.T) {
	p := PartitionFor("order-17", 3)
	for range 100 {
		assert.Equal(t, p, PartitionFor("order-17", 3))
	}
	assert.GreaterOrEqual(t, p, int32(1))
	assert.LessOrEqual(t, p, int32(3))
}

func TestPartitionForSinglePartition(t *testing.T) {
	assert.Equal(t, int32(1), PartitionFor("", 1))
	assert.Equal(t, int32(1), PartitionFor("anything", 1))
}
