// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/transport"
)

// notifyFlushInterval bounds how long a coalesced consumed notification
// may stay unsent.
const notifyFlushInterval = 20 * time.Millisecond

// DownstreamQueue holds bundles received from the producer until the
// consumer pops them. Pops block with a timeout; consumed notifications
// are relayed upstream through the async function handle, coalesced by a
// rate limiter so a tight at-least-once consume loop does not flood the
// transport with duplicate watermarks.
type DownstreamQueue struct {
	channelID channel.ChannelID
	peer      channel.ActorID
	asyncFn   channel.AsyncFunc
	logger    *slog.Logger

	mu            sync.Mutex
	pending       []*Item
	lastRecvMsgID uint64
	closed        bool

	notEmpty chan struct{}

	limiter      *rate.Limiter
	notifyMu     sync.Mutex
	notifyDirty  bool
	notifyOffset uint64
	notifyBundle uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDownstreamQueue creates a downstream queue whose notifications are
// sent to the peer actor through asyncFn. notifyRate limits consumed
// notifications per second; burst allows short spikes.
func NewDownstreamQueue(id channel.ChannelID, peer channel.ActorID, asyncFn channel.AsyncFunc, notifyRate float64, burst int, logger *slog.Logger) *DownstreamQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if notifyRate <= 0 {
		notifyRate = 100
	}
	if burst <= 0 {
		burst = 1
	}
	q := &DownstreamQueue{
		channelID: id,
		peer:      peer,
		asyncFn:   asyncFn,
		logger:    logger.With("channel", id.String()),
		notEmpty:  make(chan struct{}, 1),
		limiter:   rate.NewLimiter(rate.Limit(notifyRate), burst),
		stopCh:    make(chan struct{}),
	}
	q.wg.Add(1)
	go q.notifyLoop()
	return q
}

// Deliver appends a received bundle. Called from the transport.
func (q *DownstreamQueue) Deliver(item *Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, item)
	if item.MsgIDEnd > q.lastRecvMsgID {
		q.lastRecvMsgID = item.MsgIDEnd
	}
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// PopPendingBlockTimeout returns the next pending bundle, blocking up to
// timeout. On timeout it returns an item with SeqID channel.InvalidSeqID
// and no data; that is a soft outcome, not an error.
func (q *DownstreamQueue) PopPendingBlockTimeout(timeout time.Duration) Item {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending = q.pending[1:]
			if len(q.pending) > 0 {
				select {
				case q.notEmpty <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return *item
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-deadline.C:
			return Item{SeqID: channel.InvalidSeqID}
		case <-q.stopCh:
			return Item{SeqID: channel.InvalidSeqID}
		}
	}
}

// LastRecvMsgID returns the highest message id received on this queue.
func (q *DownstreamQueue) LastRecvMsgID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastRecvMsgID
}

// OnConsumed records that every message with id at or below offsetMsgID
// is consumed and relays the watermark upstream. The latest offset wins;
// delivery is immediate when the limiter allows it and otherwise handled
// by the background flusher.
func (q *DownstreamQueue) OnConsumed(offsetMsgID, consumedBundleID uint64) {
	q.notifyMu.Lock()
	q.notifyOffset = offsetMsgID
	q.notifyBundle = consumedBundleID
	q.notifyDirty = true
	allowed := q.limiter.Allow()
	q.notifyMu.Unlock()

	if allowed {
		q.flushNotify()
	}
}

// Close stops the notifier and then flushes any pending watermark.
func (q *DownstreamQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
	q.flushNotify()
}

func (q *DownstreamQueue) notifyLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(notifyFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.flushNotify()
		}
	}
}

func (q *DownstreamQueue) flushNotify() {
	q.notifyMu.Lock()
	if !q.notifyDirty {
		q.notifyMu.Unlock()
		return
	}
	offset, bundle := q.notifyOffset, q.notifyBundle
	q.notifyDirty = false
	q.notifyMu.Unlock()

	body := transport.EncodeConsumed(transport.ConsumedFrame{
		OffsetMsgID:      offset,
		ConsumedBundleID: bundle,
	})
	frame := transport.EncodeFrame(transport.FrameConsumed, body, false)
	if err := q.asyncFn(q.channelID, frame); err != nil {
		q.logger.Warn("consumed notification failed", "offset", offset, "error", err)
		// Leave redelivery to the next notification; duplicates are
		// tolerated upstream.
	}
}
