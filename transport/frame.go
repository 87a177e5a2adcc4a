// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the wire frames exchanged between channel
// endpoints; the in-process transport that binds two registries
// together lives in the inproc subpackage. The channel core stays
// agnostic to it: endpoints only ever see the async/sync function
// handles.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/s2"

	"github.com/absmach/streamflow/channel"
)

// Frame layout (little-endian):
//
//	offset 0  uint16  magic
//	offset 2  uint8   version
//	offset 3  uint8   frame type
//	offset 4  uint8   flags
//	offset 5  uint32  body length
//	offset 9  body
//	...       uint32  crc32c over header+body
const (
	FrameMagic   uint16 = 0x5346 // "SF"
	FrameVersion uint8  = 1

	frameHeaderSize = 9
	frameCRCSize    = 4
)

// FrameType discriminates transport frames.
type FrameType uint8

const (
	// FrameBundle carries one pushed bundle downstream.
	FrameBundle FrameType = iota + 1
	// FramePull asks the producer to resume delivery at a message id.
	FramePull
	// FramePullResp answers a pull with a queue status.
	FramePullResp
	// FrameConsumed reports the consumer's consumption watermark upstream.
	FrameConsumed
)

// Frame flags.
const (
	// FlagCompressed marks an s2-compressed body.
	FlagCompressed uint8 = 1 << 0
)

var (
	// ErrBadFrame indicates a frame that fails structural validation.
	ErrBadFrame = errors.New("malformed frame")

	// ErrChecksum indicates a frame whose crc does not match.
	ErrChecksum = errors.New("frame checksum mismatch")
)

// crc32c table, Castagnoli polynomial.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeFrame wraps body into a checksummed frame. When compress is set
// the body is s2-encoded; the compressed form is kept only if it is
// actually smaller.
func EncodeFrame(t FrameType, body []byte, compress bool) []byte {
	var flags uint8
	if compress {
		encoded := s2.Encode(nil, body)
		if len(encoded) < len(body) {
			body = encoded
			flags |= FlagCompressed
		}
	}

	buf := make([]byte, frameHeaderSize+len(body)+frameCRCSize)
	binary.LittleEndian.PutUint16(buf[0:2], FrameMagic)
	buf[2] = FrameVersion
	buf[3] = uint8(t)
	buf[4] = flags
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)

	crc := crc32.Checksum(buf[:frameHeaderSize+len(body)], crcTable)
	binary.LittleEndian.PutUint32(buf[frameHeaderSize+len(body):], crc)
	return buf
}

// DecodeFrame validates and unwraps a frame, returning its type and body.
func DecodeFrame(buf []byte) (FrameType, []byte, error) {
	if len(buf) < frameHeaderSize+frameCRCSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(buf))
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != FrameMagic {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}
	if buf[2] != FrameVersion {
		return 0, nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, buf[2])
	}

	t := FrameType(buf[3])
	flags := buf[4]
	bodyLen := binary.LittleEndian.Uint32(buf[5:9])
	if int(bodyLen) != len(buf)-frameHeaderSize-frameCRCSize {
		return 0, nil, fmt.Errorf("%w: body length %d does not match frame size", ErrBadFrame, bodyLen)
	}

	end := frameHeaderSize + int(bodyLen)
	want := binary.LittleEndian.Uint32(buf[end:])
	if crc32.Checksum(buf[:end], crcTable) != want {
		return 0, nil, ErrChecksum
	}

	body := buf[frameHeaderSize:end]
	if flags&FlagCompressed != 0 {
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return 0, nil, fmt.Errorf("decompression failed: %w", err)
		}
		body = decoded
	}
	return t, body, nil
}

// BundleFrame is the body of a FrameBundle.
type BundleFrame struct {
	SeqID      uint64
	MsgIDStart uint64
	MsgIDEnd   uint64
	Timestamp  uint64
	Data       []byte
}

const bundleFrameHeader = 32

// EncodeBundle serializes a bundle frame body.
func EncodeBundle(b BundleFrame) []byte {
	buf := make([]byte, bundleFrameHeader+len(b.Data))
	binary.LittleEndian.PutUint64(buf[0:8], b.SeqID)
	binary.LittleEndian.PutUint64(buf[8:16], b.MsgIDStart)
	binary.LittleEndian.PutUint64(buf[16:24], b.MsgIDEnd)
	binary.LittleEndian.PutUint64(buf[24:32], b.Timestamp)
	copy(buf[bundleFrameHeader:], b.Data)
	return buf
}

// DecodeBundle parses a bundle frame body.
func DecodeBundle(body []byte) (BundleFrame, error) {
	if len(body) < bundleFrameHeader {
		return BundleFrame{}, fmt.Errorf("%w: bundle body %d bytes", ErrBadFrame, len(body))
	}
	return BundleFrame{
		SeqID:      binary.LittleEndian.Uint64(body[0:8]),
		MsgIDStart: binary.LittleEndian.Uint64(body[8:16]),
		MsgIDEnd:   binary.LittleEndian.Uint64(body[16:24]),
		Timestamp:  binary.LittleEndian.Uint64(body[24:32]),
		Data:       body[bundleFrameHeader:],
	}, nil
}

// EncodePull serializes a pull request body.
func EncodePull(startMsgID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, startMsgID)
	return buf
}

// DecodePull parses a pull request body.
func DecodePull(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, fmt.Errorf("%w: pull body %d bytes", ErrBadFrame, len(body))
	}
	return binary.LittleEndian.Uint64(body), nil
}

// EncodePullResp serializes a pull response body.
func EncodePullResp(status channel.QueueStatus) []byte {
	return []byte{uint8(status)}
}

// DecodePullResp parses a pull response body.
func DecodePullResp(body []byte) (channel.QueueStatus, error) {
	if len(body) != 1 {
		return 0, fmt.Errorf("%w: pull response body %d bytes", ErrBadFrame, len(body))
	}
	return channel.QueueStatus(body[0]), nil
}

// ConsumedFrame is the body of a FrameConsumed.
type ConsumedFrame struct {
	OffsetMsgID      uint64
	ConsumedBundleID uint64
}

// EncodeConsumed serializes a consumed notification body.
func EncodeConsumed(c ConsumedFrame) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.OffsetMsgID)
	binary.LittleEndian.PutUint64(buf[8:16], c.ConsumedBundleID)
	return buf
}

// DecodeConsumed parses a consumed notification body.
func DecodeConsumed(body []byte) (ConsumedFrame, error) {
	if len(body) != 16 {
		return ConsumedFrame{}, fmt.Errorf("%w: consumed body %d bytes", ErrBadFrame, len(body))
	}
	return ConsumedFrame{
		OffsetMsgID:      binary.LittleEndian.Uint64(body[0:8]),
		ConsumedBundleID: binary.LittleEndian.Uint64(body[8:16]),
	}, nil
}
