// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/channel/queue"
	"github.com/absmach/streamflow/channel/registry"
	"github.com/absmach/streamflow/checkpoint"
)

// queueProducer is the transport-connected producer endpoint. It is
// meant to be driven from a single fetcher goroutine; the registry and
// the queue underneath are safe for concurrent use.
type queueProducer struct {
	info   *channel.ProducerChannelInfo
	reg    *registry.Upstream
	q      *queue.UpstreamQueue
	ckpt   *checkpoint.Store
	logger *slog.Logger
}

// CreateTransferChannel idempotently creates the upstream queue and
// binds the peer actor. It fails only if the registry cannot allocate
// the queue.
func (p *queueProducer) CreateTransferChannel() channel.Status {
	id := p.info.ChannelID
	if p.reg.Exists(id) {
		p.logger.Info("upstream queue create duplicate")
		q, _ := p.reg.GetQueue(id)
		p.q = q
		p.info.MessageLastCommitID = 0
		return channel.StatusOK
	}

	param := p.info.Parameter
	p.reg.SetPeer(id, param.ActorID, param.AsyncFn, param.SyncFn)
	q := p.reg.CreateUpstreamQueue(id, param.ActorID, p.info.QueueSize)
	if q == nil {
		panic(fmt.Sprintf("failed to allocate upstream queue for channel %s", id))
	}
	p.q = q

	p.logger.Info("created transfer channel",
		"message_id", p.info.CurrentMessageID,
		"queue_size", p.info.QueueSize)
	p.info.MessageLastCommitID = 0
	return channel.StatusOK
}

// DestroyTransferChannel releases the endpoint handle. Physical queue
// teardown belongs to the registry.
func (p *queueProducer) DestroyTransferChannel() channel.Status {
	p.q = nil
	return channel.StatusOK
}

// ProduceItemToChannel pushes one bundle. When the queue is out of
// memory it evicts acknowledged bundles once and retries; a second
// failure reports a full channel so the caller can back off.
func (p *queueProducer) ProduceItemToChannel(data []byte) channel.Status {
	if p.q == nil {
		panic("produce on a channel that was never created")
	}

	meta, err := channel.ParseBundleMeta(data)
	if err != nil {
		panic(fmt.Sprintf("malformed bundle on channel %s: %v", p.info.ChannelID, err))
	}
	msgIDStart, msgIDEnd := meta.MessageIDRange()

	p.logger.Debug("produce item",
		"msg_id_start", msgIDStart,
		"msg_id_end", msgIDEnd,
		"size", len(data))

	if err := p.pushQueueItem(data, msgIDStart, msgIDEnd); err != nil {
		if errors.Is(err, channel.ErrOutOfMemory) {
			p.logger.Debug("queue is full", "msg_id_end", msgIDEnd)
			return channel.StatusFullChannel
		}
		// Only out-of-memory is acceptable here; anything else means
		// the bundle can never be stored.
		panic(fmt.Sprintf("push failed on channel %s: %v, bundle size %d", p.info.ChannelID, err, len(data)))
	}

	// The current bundle is recorded only after the push finished.
	p.info.CurrentBundleID = p.q.CurrentSeqID()
	if msgIDEnd > p.info.CurrentMessageID {
		p.info.CurrentMessageID = msgIDEnd
	}
	return channel.StatusOK
}

// pushQueueItem pushes with a single eviction retry and hands the
// result to the sender. A failed eviction skips the hand-off: there is
// nothing new to deliver.
func (p *queueProducer) pushQueueItem(data []byte, msgIDStart, msgIDEnd uint64) error {
	now := uint64(time.Now().UnixMilli())
	err := p.q.Push(data, now, msgIDStart, msgIDEnd)
	if errors.Is(err, channel.ErrOutOfMemory) {
		if evictErr := p.q.TryEvictItems(); evictErr != nil {
			p.logger.Info("evict failed")
			return err
		}
		err = p.q.Push(data, now, msgIDStart, msgIDEnd)
	}

	p.q.Send()
	return err
}

// NotifyChannelConsumed raises the queue eviction limit. Reclamation
// happens lazily on the next produce that needs room.
func (p *queueProducer) NotifyChannelConsumed(msgID uint64) channel.Status {
	if p.q == nil {
		panic("notify on a channel that was never created")
	}
	p.q.SetEvictionLimit(msgID)
	return channel.StatusOK
}

// RefreshChannelInfo folds the queue's consumption watermarks into the
// bookkeeping. Observed values only ever move the watermarks forward;
// the unknown sentinel never overwrites a known value.
func (p *queueProducer) RefreshChannelInfo() channel.Status {
	if p.q == nil {
		panic("refresh on a channel that was never created")
	}

	qi := &p.info.QueueInfo
	if consumed := p.q.MinConsumedMessageID(); consumed != channel.UnknownMessageID {
		if consumed > qi.ConsumedMessageID {
			qi.ConsumedMessageID = consumed
		}
	}
	if bundle := p.q.MinConsumedBundleID(); bundle != channel.UnknownMessageID {
		if qi.ConsumedBundleID == channel.UnknownMessageID || bundle > qi.ConsumedBundleID {
			qi.ConsumedBundleID = bundle
		}
	}
	return channel.StatusOK
}

// ClearTransferCheckpoint records the cleared position when a
// checkpoint store is attached and is a no-op otherwise.
func (p *queueProducer) ClearTransferCheckpoint(checkpointID, checkpointOffset uint64) channel.Status {
	if p.ckpt == nil {
		return channel.StatusOK
	}
	pos := checkpoint.Position{
		CheckpointID: checkpointID,
		MessageID:    checkpointOffset,
		BundleID:     p.info.CurrentBundleID,
	}
	if err := p.ckpt.Save(p.info.ChannelID, pos); err != nil {
		p.logger.Warn("checkpoint save failed", "checkpoint_id", checkpointID, "error", err)
	}
	return channel.StatusOK
}
