// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/hex"
	"errors"
	"math"

	"github.com/google/uuid"
)

// Sentinel values shared by both channel endpoints.
const (
	// InvalidSeqID marks a bundle id that does not address any bundle.
	// Timed-out consumes return it.
	InvalidSeqID uint64 = 0

	// UnknownMessageID is the sentinel for a consumption watermark that
	// has not been observed yet. It must be preserved across the
	// transport, never coerced to zero.
	UnknownMessageID uint64 = math.MaxUint64
)

var (
	// ErrChannelNotFound indicates the registry has no queue for the channel id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrOutOfMemory indicates the queue cannot accept a push right now.
	ErrOutOfMemory = errors.New("queue out of memory")

	// ErrDataExceedsCapacity indicates a bundle that can never fit the queue.
	ErrDataExceedsCapacity = errors.New("bundle exceeds queue capacity")

	// ErrNoSuchItem indicates there is no item to act on, such as
	// nothing for eviction to reclaim.
	ErrNoSuchItem = errors.New("no such item")
)

// ChannelID is the stable 16-byte identifier of a transfer channel.
// Equality defines channel identity across endpoints.
type ChannelID [16]byte

// NewChannelID returns a fresh random channel id.
func NewChannelID() ChannelID {
	return ChannelID(uuid.New())
}

// ChannelIDFromBytes builds a channel id from a 16-byte slice.
func ChannelIDFromBytes(b []byte) (ChannelID, error) {
	var id ChannelID
	if len(b) != len(id) {
		return id, errors.New("channel id must be 16 bytes")
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex form used in logs.
func (id ChannelID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the raw id bytes.
func (id ChannelID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// ActorID identifies a peer actor in the enclosing runtime.
type ActorID string

// AsyncFunc delivers a payload to the peer actor without waiting for a
// response. Implementations must not block the caller beyond a local
// hand-off.
type AsyncFunc func(id ChannelID, payload []byte) error

// SyncFunc delivers a payload to the peer actor and waits for a response
// or a transport-imposed timeout.
type SyncFunc func(id ChannelID, payload []byte) ([]byte, error)

// ChannelParameter binds a channel to its peer actor and the transport
// function handles used to reach it.
type ChannelParameter struct {
	ActorID ActorID
	AsyncFn AsyncFunc
	SyncFn  SyncFunc
}

// QueueInfo carries the watermarks a queue reports about itself.
type QueueInfo struct {
	ConsumedMessageID uint64
	ConsumedBundleID  uint64
	LastMessageID     uint64
}

// ProducerChannelInfo is the producer-side bookkeeping for one channel.
// CurrentMessageID records the highest message id handed to the channel,
// CurrentBundleID the highest bundle id actually enqueued.
type ProducerChannelInfo struct {
	ChannelID           ChannelID
	QueueSize           uint64
	Parameter           ChannelParameter
	CurrentMessageID    uint64
	CurrentBundleID     uint64
	MessageLastCommitID uint64
	QueueInfo           QueueInfo
}

// ConsumerChannelInfo is the consumer-side bookkeeping for one channel.
// CurrentMessageID records the last message id successfully consumed and
// is the resume position on re-creation.
type ConsumerChannelInfo struct {
	ChannelID        ChannelID
	QueueSize        uint64
	Parameter        ChannelParameter
	CurrentMessageID uint64
	CurrentBundleID  uint64
	QueueInfo        QueueInfo
}

// NewProducerChannelInfo returns producer bookkeeping with watermark
// sentinels in place.
func NewProducerChannelInfo(id ChannelID, queueSize uint64, param ChannelParameter) *ProducerChannelInfo {
	return &ProducerChannelInfo{
		ChannelID: id,
		QueueSize: queueSize,
		Parameter: param,
		QueueInfo: QueueInfo{
			ConsumedMessageID: 0,
			ConsumedBundleID:  UnknownMessageID,
		},
	}
}

// NewConsumerChannelInfo returns consumer bookkeeping.
func NewConsumerChannelInfo(id ChannelID, param ChannelParameter) *ConsumerChannelInfo {
	return &ConsumerChannelInfo{
		ChannelID: id,
		Parameter: param,
	}
}

// Status is the result of a producer or consumer endpoint operation.
type Status int

const (
	StatusOK Status = iota
	StatusFullChannel
	StatusOutOfMemory
	StatusNoSuchItem
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFullChannel:
		return "full_channel"
	case StatusOutOfMemory:
		return "out_of_memory"
	case StatusNoSuchItem:
		return "no_such_item"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// QueueStatus is the transport-level result of a pull.
type QueueStatus int

const (
	QueueOK QueueStatus = iota
	QueueNoValidData
	QueueTimeout
	QueueDataLost
	QueueResubscribe
)

func (s QueueStatus) String() string {
	switch s {
	case QueueOK:
		return "ok"
	case QueueNoValidData:
		return "no_valid_data"
	case QueueTimeout:
		return "timeout"
	case QueueDataLost:
		return "data_lost"
	case QueueResubscribe:
		return "resubscribe"
	default:
		return "unknown"
	}
}

// CreationStatus is the result of consumer-side channel creation.
type CreationStatus int

const (
	CreationPullOK CreationStatus = iota
	CreationFreshStarted
	CreationTimeout
	CreationDataLost
	CreationInvalid
)

func (s CreationStatus) String() string {
	switch s {
	case CreationPullOK:
		return "pull_ok"
	case CreationFreshStarted:
		return "fresh_started"
	case CreationTimeout:
		return "timeout"
	case CreationDataLost:
		return "data_lost"
	case CreationInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
