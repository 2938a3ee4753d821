// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes. User-supplied parts (names, correlation keys, process IDs)
// are joined with a zero byte so they cannot collide with each other.
const (
	prefixMessage      = "msg"
	prefixMessageName  = "msgname"
	prefixDeadline     = "msgdl"
	prefixMessageID    = "msgid"
	prefixCorrelation  = "corr"
	prefixSubscription = "sub"
	prefixSubName      = "subname"
	prefixStartEvent   = "start"
	prefixActive       = "active"
	prefixProcSub      = "psub"
)

const sep = "\x00"

// composeKey joins key parts with the zero-byte separator.
func composeKey(parts ...string) []byte {
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return []byte(out)
}

// hexKey formats an int64 key so lexicographic order matches numeric order.
func hexKey(key int64) string {
	return fmt.Sprintf("%016x", uint64(key))
}

// encodeKey encodes an int64 as a big-endian value payload.
func encodeKey(key int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(key))
	return buf
}

// decodeKey decodes a big-endian int64 value payload.
func decodeKey(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}
