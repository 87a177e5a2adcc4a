// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mock is the in-process transfer channel backend used for
// testing without real transport. All channels share one process-wide
// state guarded by a single mutex; that coarse lock is acceptable for a
// test backend.
package mock

import (
	"sync"
	"time"

	"github.com/absmach/streamflow/channel"
)

// RingCapacity bounds each per-channel ring.
const RingCapacity = 10000

// pollInterval paces the consume wait loop.
const pollInterval = time.Millisecond

type item struct {
	bundleID  uint64
	messageID uint64
	data      []byte
}

// ring is a bounded FIFO of buffered bundles.
type ring struct {
	items []item
	cap   int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) full() bool  { return len(r.items) >= r.cap }
func (r *ring) empty() bool { return len(r.items) == 0 }
func (r *ring) size() int   { return len(r.items) }

func (r *ring) push(it item) {
	r.items = append(r.items, it)
}

func (r *ring) front() item {
	return r.items[0]
}

func (r *ring) pop() item {
	it := r.items[0]
	r.items = r.items[1:]
	return it
}

// pushFront prepends items in order, used to requeue consumed bundles
// when a consumer reopens its channel.
func (r *ring) pushFront(its []item) {
	r.items = append(append([]item{}, its...), r.items...)
}

type state struct {
	mu        sync.Mutex
	messages  map[channel.ChannelID]*ring
	consumed  map[channel.ChannelID]*ring
	queueInfo map[channel.ChannelID]*channel.QueueInfo
}

var shared = &state{
	messages:  make(map[channel.ChannelID]*ring),
	consumed:  make(map[channel.ChannelID]*ring),
	queueInfo: make(map[channel.ChannelID]*channel.QueueInfo),
}

// Reset clears the shared backend. Tests call it between cases.
func Reset() {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.messages = make(map[channel.ChannelID]*ring)
	shared.consumed = make(map[channel.ChannelID]*ring)
	shared.queueInfo = make(map[channel.ChannelID]*channel.QueueInfo)
}

func (s *state) info(id channel.ChannelID) *channel.QueueInfo {
	qi, ok := s.queueInfo[id]
	if !ok {
		qi = &channel.QueueInfo{}
		s.queueInfo[id] = qi
	}
	return qi
}

// Producer is the mock producer endpoint backend.
type Producer struct {
	channelInfo     *channel.ProducerChannelInfo
	currentBundleID uint64
}

// NewProducer creates a mock producer for the channel described by info.
func NewProducer(info *channel.ProducerChannelInfo) *Producer {
	return &Producer{channelInfo: info}
}

// CreateTransferChannel allocates the channel rings. Creating an
// existing channel is idempotent and leaves buffered data in place.
func (p *Producer) CreateTransferChannel() channel.Status {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	id := p.channelInfo.ChannelID
	if _, ok := shared.messages[id]; !ok {
		shared.messages[id] = newRing(RingCapacity)
		shared.consumed[id] = newRing(RingCapacity)
	}
	shared.info(id)
	p.channelInfo.MessageLastCommitID = 0
	return channel.StatusOK
}

// DestroyTransferChannel drops the channel rings.
func (p *Producer) DestroyTransferChannel() channel.Status {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	id := p.channelInfo.ChannelID
	delete(shared.messages, id)
	delete(shared.consumed, id)
	delete(shared.queueInfo, id)
	return channel.StatusOK
}

// ProduceItemToChannel copies one bundle into the message ring. A full
// ring surfaces as out-of-memory; the mock performs no eviction.
func (p *Producer) ProduceItemToChannel(data []byte) channel.Status {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	id := p.channelInfo.ChannelID
	rb, ok := shared.messages[id]
	if !ok {
		return channel.StatusNoSuchItem
	}
	if rb.full() {
		return channel.StatusOutOfMemory
	}

	meta, err := channel.ParseBundleMeta(data)
	if err != nil {
		return channel.StatusInvalid
	}
	_, msgIDEnd := meta.MessageIDRange()

	owned := make([]byte, len(data))
	copy(owned, data)
	p.currentBundleID++
	rb.push(item{
		bundleID:  p.currentBundleID,
		messageID: msgIDEnd,
		data:      owned,
	})
	p.channelInfo.CurrentBundleID = p.currentBundleID
	shared.info(id).LastMessageID = msgIDEnd
	return channel.StatusOK
}

// NotifyChannelConsumed is a no-op for the mock: reclamation happens in
// the consumer-side notification that trims the consumed ring.
func (p *Producer) NotifyChannelConsumed(msgID uint64) channel.Status {
	return channel.StatusOK
}

// RefreshChannelInfo copies the consumption watermarks published by the
// consumer into the producer bookkeeping.
func (p *Producer) RefreshChannelInfo() channel.Status {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	qi := shared.info(p.channelInfo.ChannelID)
	if qi.ConsumedMessageID > p.channelInfo.QueueInfo.ConsumedMessageID {
		p.channelInfo.QueueInfo.ConsumedMessageID = qi.ConsumedMessageID
	}
	if qi.ConsumedBundleID != 0 {
		p.channelInfo.QueueInfo.ConsumedBundleID = qi.ConsumedBundleID
	}
	return channel.StatusOK
}

// ClearTransferCheckpoint is a no-op hook.
func (p *Producer) ClearTransferCheckpoint(checkpointID, checkpointOffset uint64) channel.Status {
	return channel.StatusOK
}

// Consumer is the mock consumer endpoint backend.
type Consumer struct {
	channelInfo  *channel.ConsumerChannelInfo
	ready        bool
	lastBundleID uint64
}

// NewConsumer creates a mock consumer for the channel described by info.
func NewConsumer(info *channel.ConsumerChannelInfo) *Consumer {
	return &Consumer{channelInfo: info}
}

// CreateTransferChannel resolves the consumer's starting position.
// Bundles parked in the consumed ring from a previous incarnation are
// requeued so that anything at or after the resume point remains
// retrievable; the bundle at the acknowledged boundary may reappear,
// which callers must tolerate.
func (c *Consumer) CreateTransferChannel() channel.CreationStatus {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	id := c.channelInfo.ChannelID
	startMsgID := c.channelInfo.CurrentMessageID + 1

	rb, ok := shared.messages[id]
	if !ok {
		c.ready = true
		return channel.CreationFreshStarted
	}

	cb := shared.consumed[id]
	if cb != nil && !cb.empty() {
		requeue := make([]item, 0, cb.size())
		for !cb.empty() {
			requeue = append(requeue, cb.pop())
		}
		rb.pushFront(requeue)
	}

	c.ready = true
	if rb.empty() {
		return channel.CreationFreshStarted
	}
	if meta, err := channel.ParseBundleMeta(rb.front().data); err == nil {
		if s, _ := meta.MessageIDRange(); s > startMsgID && rb.front().bundleID > 1 {
			// The head bundle begins past the requested resume point and
			// is not the first bundle ever produced: earlier data is gone.
			return channel.CreationDataLost
		}
	}
	return channel.CreationPullOK
}

// DestroyTransferChannel releases the endpoint handle.
func (c *Consumer) DestroyTransferChannel() channel.Status {
	c.ready = false
	return channel.StatusOK
}

// ConsumeItemFromChannel pops the next bundle, blocking up to timeout.
// A timeout yields a bundle with BundleID channel.InvalidSeqID and no
// data. The returned data is borrowed from the backend and valid until
// the next consume on the same channel.
func (c *Consumer) ConsumeItemFromChannel(timeout time.Duration) (*channel.DataBundle, channel.Status) {
	if !c.ready {
		return &channel.DataBundle{BundleID: channel.InvalidSeqID}, channel.StatusInvalid
	}

	deadline := time.Now().Add(timeout)
	for {
		shared.mu.Lock()
		id := c.channelInfo.ChannelID
		rb, ok := shared.messages[id]
		if !ok {
			shared.mu.Unlock()
			return &channel.DataBundle{BundleID: channel.InvalidSeqID}, channel.StatusNoSuchItem
		}
		if !rb.empty() {
			it := rb.pop()
			shared.consumed[id].push(it)
			shared.mu.Unlock()

			c.lastBundleID = it.bundleID
			return &channel.DataBundle{
				Data:     it.data,
				DataSize: len(it.data),
				BundleID: it.bundleID,
			}, channel.StatusOK
		}
		shared.mu.Unlock()

		if !time.Now().Before(deadline) {
			return &channel.DataBundle{BundleID: channel.InvalidSeqID}, channel.StatusOK
		}
		time.Sleep(pollInterval)
	}
}

// NotifyChannelConsumed trims the consumed ring below offsetMsgID and
// publishes the watermark. The trim is strictly less-than: the bundle at
// the offset stays buffered so a duplicate notification after an empty
// fetch remains harmless.
func (c *Consumer) NotifyChannelConsumed(offsetMsgID uint64) channel.Status {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	id := c.channelInfo.ChannelID
	cb, ok := shared.consumed[id]
	if !ok {
		return channel.StatusNoSuchItem
	}
	for !cb.empty() && cb.front().messageID < offsetMsgID {
		cb.pop()
	}

	if offsetMsgID > c.channelInfo.CurrentMessageID {
		c.channelInfo.CurrentMessageID = offsetMsgID
	}
	c.channelInfo.QueueInfo.ConsumedBundleID = c.lastBundleID

	qi := shared.info(id)
	qi.ConsumedBundleID = c.channelInfo.QueueInfo.ConsumedBundleID
	qi.ConsumedMessageID = offsetMsgID
	return channel.StatusOK
}

// RefreshChannelInfo copies the shared watermarks into the consumer
// bookkeeping.
func (c *Consumer) RefreshChannelInfo() channel.Status {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	qi := shared.info(c.channelInfo.ChannelID)
	c.channelInfo.QueueInfo.ConsumedMessageID = qi.ConsumedMessageID
	c.channelInfo.QueueInfo.LastMessageID = qi.LastMessageID
	return channel.StatusOK
}

// ClearTransferCheckpoint is a no-op hook.
func (c *Consumer) ClearTransferCheckpoint(checkpointID, checkpointOffset uint64) channel.Status {
	return channel.StatusOK
}
