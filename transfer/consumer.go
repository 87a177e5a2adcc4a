// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/channel/queue"
	"github.com/absmach/streamflow/channel/registry"
	"github.com/absmach/streamflow/checkpoint"
)

// bootstrapState tracks the consumer endpoint lifecycle.
type bootstrapState int

const (
	stateUninitialized bootstrapState = iota
	statePulling
	stateReady
	stateReadyEmpty
	stateFailed
	stateClosed
)

// queueConsumer is the transport-connected consumer endpoint. It is
// meant to be driven from a single reader goroutine.
type queueConsumer struct {
	info         *channel.ConsumerChannelInfo
	reg          *registry.Downstream
	q            *queue.DownstreamQueue
	state        bootstrapState
	lastBundleID uint64
	ckpt         *checkpoint.Store
	logger       *slog.Logger
}

// CreateTransferChannel binds the peer, creates the downstream queue
// and negotiates the starting position with the producer. Resume starts
// one past the last consumed message id.
func (c *queueConsumer) CreateTransferChannel() channel.CreationStatus {
	c.state = statePulling
	status := c.getQueue(c.info.ChannelID, c.info.CurrentMessageID+1, c.info.Parameter)

	switch status {
	case channel.QueueOK:
		c.state = stateReady
		return channel.CreationPullOK
	case channel.QueueNoValidData:
		c.state = stateReadyEmpty
		return channel.CreationFreshStarted
	case channel.QueueTimeout:
		c.state = stateFailed
		return channel.CreationTimeout
	case channel.QueueDataLost:
		c.state = stateFailed
		return channel.CreationDataLost
	}
	panic(fmt.Sprintf("invalid queue status %v on channel %s", status, c.info.ChannelID))
}

// getQueue creates the downstream queue and pulls the producer. An
// already-existing queue short-circuits: the channel was set up before.
func (c *queueConsumer) getQueue(id channel.ChannelID, startMsgID uint64, param channel.ChannelParameter) channel.QueueStatus {
	c.logger.Info("get queue", "start_msg_id", startMsgID, "actor", param.ActorID)
	if c.reg.Exists(id) {
		c.logger.Info("downstream queue already exists")
		q, _ := c.reg.GetQueue(id)
		c.q = q
		return channel.QueueOK
	}

	c.reg.SetPeer(id, param.ActorID, param.AsyncFn, param.SyncFn)
	q := c.reg.CreateDownstreamQueue(id, param.ActorID)
	if q == nil {
		panic(fmt.Sprintf("failed to allocate downstream queue for channel %s", id))
	}
	c.q = q

	status, isFirst := c.reg.PullQueue(id, startMsgID)
	c.logger.Info("pulled queue", "status", status.String(), "first_pull", isFirst)
	return status
}

// DestroyTransferChannel releases the endpoint handle.
func (c *queueConsumer) DestroyTransferChannel() channel.Status {
	c.state = stateClosed
	c.q = nil
	return channel.StatusOK
}

// ConsumeItemFromChannel blocks on the downstream queue for up to
// timeout. A timed-out pop yields an empty bundle with BundleID
// channel.InvalidSeqID and status OK; that is a soft outcome. The
// returned data is borrowed from the queue and valid until the next
// consume on this channel.
func (c *queueConsumer) ConsumeItemFromChannel(timeout time.Duration) (*channel.DataBundle, channel.Status) {
	if c.state != stateReady && c.state != stateReadyEmpty {
		return &channel.DataBundle{BundleID: channel.InvalidSeqID}, channel.StatusInvalid
	}

	item := c.q.PopPendingBlockTimeout(timeout)
	bundle := &channel.DataBundle{BundleID: item.SeqID}
	if item.SeqID == channel.InvalidSeqID {
		c.logger.Debug("consume timed out")
		return bundle, channel.StatusOK
	}

	bundle.Data = item.Data
	bundle.DataSize = item.DataSize()
	c.lastBundleID = item.SeqID

	c.logger.Debug("consumed item",
		"seq_id", item.SeqID,
		"msg_id", item.MsgIDEnd,
		"size", item.DataSize())
	return bundle, channel.StatusOK
}

// NotifyChannelConsumed reports that every message at or below
// offsetMsgID is consumed. The queue relays the watermark to the
// producer.
func (c *queueConsumer) NotifyChannelConsumed(offsetMsgID uint64) channel.Status {
	if c.q == nil {
		panic("notify on a channel that was never created")
	}

	c.info.QueueInfo.ConsumedBundleID = c.lastBundleID
	c.q.OnConsumed(offsetMsgID, c.info.QueueInfo.ConsumedBundleID)
	if offsetMsgID > c.info.CurrentMessageID {
		c.info.CurrentMessageID = offsetMsgID
	}
	return channel.StatusOK
}

// RefreshChannelInfo updates the receive watermark.
func (c *queueConsumer) RefreshChannelInfo() channel.Status {
	if c.q == nil {
		panic("refresh on a channel that was never created")
	}
	c.info.QueueInfo.LastMessageID = c.q.LastRecvMsgID()
	return channel.StatusOK
}

// ClearTransferCheckpoint records the cleared position when a
// checkpoint store is attached and is a no-op otherwise.
func (c *queueConsumer) ClearTransferCheckpoint(checkpointID, checkpointOffset uint64) channel.Status {
	if c.ckpt == nil {
		return channel.StatusOK
	}
	pos := checkpoint.Position{
		CheckpointID: checkpointID,
		MessageID:    checkpointOffset,
		BundleID:     c.info.CurrentBundleID,
	}
	if err := c.ckpt.Save(c.info.ChannelID, pos); err != nil {
		c.logger.Warn("checkpoint save failed", "checkpoint_id", checkpointID, "error", err)
	}
	return channel.StatusOK
}
