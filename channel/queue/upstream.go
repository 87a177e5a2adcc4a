// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the transport-connected queue backends of a
// transfer channel: a byte-budgeted upstream queue on the producer side
// and a pending queue with blocking timed pops on the consumer side.
package queue

import (
	"log/slog"
	"sync"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/transport"
)

// Item is one buffered bundle.
type Item struct {
	SeqID      uint64
	MsgIDStart uint64
	MsgIDEnd   uint64
	Timestamp  uint64
	Data       []byte
}

// DataSize returns the bundle size in bytes.
func (it *Item) DataSize() int {
	return len(it.Data)
}

// UpstreamQueue buffers pushed bundles until the consumer acknowledges
// them. Pushes charge a byte budget; acknowledged head bundles are
// reclaimed by eviction. A dedicated sender goroutine forwards unsent
// bundles through the async function handle, so Push and Send never
// block on the transport.
type UpstreamQueue struct {
	channelID channel.ChannelID
	peer      channel.ActorID
	asyncFn   channel.AsyncFunc
	capacity  uint64
	compress  bool
	logger    *slog.Logger

	mu              sync.Mutex
	items           []*Item
	used            uint64
	nextSeq         uint64
	lastMsgID       uint64 // highest message id ever pushed
	evictedThrough  uint64 // highest message id reclaimed by eviction
	evictionLimit   uint64
	lastSentSeq     uint64
	minConsumedMsg  uint64
	minConsumedBndl uint64
	pulled          bool
	closed          bool

	sendCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUpstreamQueue creates an upstream queue bound to its peer actor.
// Delivery starts only after the consumer's first pull.
func NewUpstreamQueue(id channel.ChannelID, peer channel.ActorID, capacity uint64, asyncFn channel.AsyncFunc, compress bool, logger *slog.Logger) *UpstreamQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &UpstreamQueue{
		channelID:       id,
		peer:            peer,
		asyncFn:         asyncFn,
		capacity:        capacity,
		compress:        compress,
		logger:          logger.With("channel", id.String()),
		nextSeq:         1,
		minConsumedMsg:  channel.UnknownMessageID,
		minConsumedBndl: channel.UnknownMessageID,
		sendCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
	q.wg.Add(1)
	go q.sendLoop()
	return q
}

// Push enqueues one bundle. It returns channel.ErrOutOfMemory when the
// bundle does not fit the remaining budget and
// channel.ErrDataExceedsCapacity when it can never fit.
func (q *UpstreamQueue) Push(data []byte, timestamp uint64, msgIDStart, msgIDEnd uint64) error {
	size := uint64(len(data))
	if size > q.capacity {
		return channel.ErrDataExceedsCapacity
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.used+size > q.capacity {
		return channel.ErrOutOfMemory
	}

	item := &Item{
		SeqID:      q.nextSeq,
		MsgIDStart: msgIDStart,
		MsgIDEnd:   msgIDEnd,
		Timestamp:  timestamp,
		Data:       data,
	}
	q.nextSeq++
	q.items = append(q.items, item)
	q.used += size
	if msgIDEnd > q.lastMsgID {
		q.lastMsgID = msgIDEnd
	}
	return nil
}

// Send wakes the sender goroutine. It never blocks; repeated calls
// coalesce into a single wakeup.
func (q *UpstreamQueue) Send() {
	select {
	case q.sendCh <- struct{}{}:
	default:
	}
}

// SetEvictionLimit raises the message id at or below which buffered
// bundles may be reclaimed.
func (q *UpstreamQueue) SetEvictionLimit(msgID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msgID > q.evictionLimit {
		q.evictionLimit = msgID
	}
}

// TryEvictItems reclaims head bundles whose whole message range lies at
// or below the eviction limit. It reports channel.ErrNoSuchItem when
// nothing could be reclaimed.
func (q *UpstreamQueue) TryEvictItems() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for len(q.items) > 0 && q.items[0].MsgIDEnd <= q.evictionLimit {
		head := q.items[0]
		q.used -= uint64(head.DataSize())
		q.evictedThrough = head.MsgIDEnd
		q.items = q.items[1:]
		evicted++
	}
	if evicted == 0 {
		return channel.ErrNoSuchItem
	}
	q.logger.Debug("evicted bundles", "count", evicted, "limit", q.evictionLimit)
	return nil
}

// CurrentSeqID returns the last assigned bundle id, or
// channel.InvalidSeqID when nothing was pushed yet.
func (q *UpstreamQueue) CurrentSeqID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextSeq - 1
}

// MinConsumedMessageID returns the latest consumption watermark reported
// by the consumer, or channel.UnknownMessageID before the first report.
func (q *UpstreamQueue) MinConsumedMessageID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.minConsumedMsg
}

// MinConsumedBundleID returns the latest consumed bundle id reported by
// the consumer, or channel.UnknownMessageID before the first report.
func (q *UpstreamQueue) MinConsumedBundleID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.minConsumedBndl
}

// OnConsumedNotification records the watermarks carried by a consumed
// notification from the transport.
func (q *UpstreamQueue) OnConsumedNotification(offsetMsgID, consumedBundleID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.minConsumedMsg = offsetMsgID
	if consumedBundleID != channel.UnknownMessageID {
		q.minConsumedBndl = consumedBundleID
	}
}

// HandlePull resolves a consumer pull asking to resume delivery at
// startMsgID. On success the send cursor is rewound so every bundle at
// or after the requested id is (re)delivered.
func (q *UpstreamQueue) HandlePull(startMsgID uint64) channel.QueueStatus {
	q.mu.Lock()

	if q.lastMsgID == 0 || startMsgID > q.lastMsgID {
		// Nothing produced at or after the requested position yet;
		// delivery begins with whatever arrives next.
		q.pulled = true
		q.lastSentSeq = q.nextSeq - 1
		q.mu.Unlock()
		return channel.QueueNoValidData
	}
	if q.evictedThrough >= startMsgID {
		q.mu.Unlock()
		return channel.QueueDataLost
	}

	// Rewind to the first bundle that covers or follows startMsgID.
	resume := q.nextSeq - 1
	for _, it := range q.items {
		if it.MsgIDEnd >= startMsgID {
			resume = it.SeqID - 1
			break
		}
	}
	q.pulled = true
	q.lastSentSeq = resume
	q.mu.Unlock()

	q.Send()
	return channel.QueueOK
}

// Pulled reports whether the consumer has pulled this queue yet.
func (q *UpstreamQueue) Pulled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pulled
}

// Close stops the sender goroutine. Buffered bundles stay in place so
// observation methods keep working during teardown.
func (q *UpstreamQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

func (q *UpstreamQueue) sendLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.sendCh:
			q.drain()
		}
	}
}

// drain forwards every unsent bundle in order. Items are snapshotted
// under the lock and delivered outside it so a slow peer never blocks
// Push.
func (q *UpstreamQueue) drain() {
	for {
		q.mu.Lock()
		if !q.pulled {
			q.mu.Unlock()
			return
		}
		var next *Item
		for _, it := range q.items {
			if it.SeqID > q.lastSentSeq {
				next = it
				break
			}
		}
		if next == nil {
			q.mu.Unlock()
			return
		}
		q.lastSentSeq = next.SeqID
		q.mu.Unlock()

		body := transport.EncodeBundle(transport.BundleFrame{
			SeqID:      next.SeqID,
			MsgIDStart: next.MsgIDStart,
			MsgIDEnd:   next.MsgIDEnd,
			Timestamp:  next.Timestamp,
			Data:       next.Data,
		})
		frame := transport.EncodeFrame(transport.FrameBundle, body, q.compress)
		if err := q.asyncFn(q.channelID, frame); err != nil {
			q.logger.Warn("bundle delivery failed", "seq", next.SeqID, "error", err)
		}
	}
}
