// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"fmt"
)

// BundleMetaSize is the fixed length of the bundle header, in bytes.
//
// Layout (little-endian):
//
//	offset 0  uint64  last message id
//	offset 8  uint32  message list size
const BundleMetaSize = 12

// BundleMeta is the header parseable from the leading bytes of every
// bundle. The remaining bytes are opaque payload; the channel never
// inspects them.
type BundleMeta struct {
	LastMessageID   uint64
	MessageListSize uint32
}

// ParseBundleMeta decodes the header from the leading bytes of data.
func ParseBundleMeta(data []byte) (BundleMeta, error) {
	if len(data) < BundleMetaSize {
		return BundleMeta{}, fmt.Errorf("bundle too short: %d bytes, want at least %d", len(data), BundleMetaSize)
	}
	return BundleMeta{
		LastMessageID:   binary.LittleEndian.Uint64(data[0:8]),
		MessageListSize: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// EncodeBundleMeta writes the header followed by the payload bytes.
func EncodeBundleMeta(meta BundleMeta, payload []byte) []byte {
	buf := make([]byte, BundleMetaSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], meta.LastMessageID)
	binary.LittleEndian.PutUint32(buf[8:12], meta.MessageListSize)
	copy(buf[BundleMetaSize:], payload)
	return buf
}

// MessageIDRange returns the inclusive message id range the bundle
// covers. A bundle with MessageListSize zero is a control bundle whose
// single id equals LastMessageID.
func (m BundleMeta) MessageIDRange() (start, end uint64) {
	end = m.LastMessageID
	if m.MessageListSize == 0 {
		return end, end
	}
	return end - uint64(m.MessageListSize) + 1, end
}

// DataBundle is what a consumer receives from its channel. Data is a
// borrowed view into queue-owned storage: it stays valid until the next
// consume on the same channel or endpoint destruction, whichever comes
// first. Callers must copy it to retain it longer.
type DataBundle struct {
	Data     []byte
	DataSize int
	BundleID uint64
}
