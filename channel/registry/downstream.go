// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"log/slog"
	"sync"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/channel/queue"
	"github.com/absmach/streamflow/transport"
)

// Downstream is the consumer-side registry. It owns the downstream
// queues and issues pull requests to producers through the bound sync
// function handles.
type Downstream struct {
	mu     sync.RWMutex
	queues map[channel.ChannelID]*queue.DownstreamQueue
	peers  map[channel.ChannelID]peerBinding
	pulled map[channel.ChannelID]bool

	notifyRate  float64
	notifyBurst int
	logger      *slog.Logger
}

// NewDownstream creates an empty downstream registry.
func NewDownstream() *Downstream {
	return &Downstream{
		queues: make(map[channel.ChannelID]*queue.DownstreamQueue),
		peers:  make(map[channel.ChannelID]peerBinding),
		pulled: make(map[channel.ChannelID]bool),
		logger: slog.Default(),
	}
}

// SetLogger replaces the registry logger.
func (r *Downstream) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// SetNotifyLimit configures the consumed-notification coalescing rate
// for queues created later. Zero keeps the defaults.
func (r *Downstream) SetNotifyLimit(ratePerSec float64, burst int) {
	r.mu.Lock()
	r.notifyRate = ratePerSec
	r.notifyBurst = burst
	r.mu.Unlock()
}

// Exists reports whether a downstream queue exists for the channel.
func (r *Downstream) Exists(id channel.ChannelID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.queues[id]
	return ok
}

// SetPeer binds the producer actor and its function handles to a
// channel. Re-binding an already-created channel is ignored.
func (r *Downstream) SetPeer(id channel.ChannelID, actorID channel.ActorID, asyncFn channel.AsyncFunc, syncFn channel.SyncFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; ok {
		return
	}
	r.peers[id] = peerBinding{actorID: actorID, asyncFn: asyncFn, syncFn: syncFn}
}

// CreateDownstreamQueue creates the queue for a channel, or returns the
// existing one. The peer must have been bound first.
func (r *Downstream) CreateDownstreamQueue(id channel.ChannelID, actorID channel.ActorID) *queue.DownstreamQueue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[id]; ok {
		r.logger.Info("downstream queue already exists", "channel", id.String())
		return q
	}
	binding, ok := r.peers[id]
	if !ok || binding.asyncFn == nil {
		r.logger.Error("no peer bound for channel", "channel", id.String())
		return nil
	}
	q := queue.NewDownstreamQueue(id, actorID, binding.asyncFn, r.notifyRate, r.notifyBurst, r.logger)
	r.queues[id] = q
	r.logger.Info("created downstream queue", "channel", id.String())
	return q
}

// GetQueue looks up the queue for a channel.
func (r *Downstream) GetQueue(id channel.ChannelID) (*queue.DownstreamQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// RemoveQueue disposes the queue for a channel, if any.
func (r *Downstream) RemoveQueue(id channel.ChannelID) {
	r.mu.Lock()
	q, ok := r.queues[id]
	if ok {
		delete(r.queues, id)
		delete(r.peers, id)
		delete(r.pulled, id)
	}
	r.mu.Unlock()
	if ok {
		q.Close()
	}
}

// PullQueue issues a synchronous pull to the producer asking to resume
// delivery at startMsgID. It reports the queue status and whether this
// was the channel's first pull. Transport errors surface as a timeout.
func (r *Downstream) PullQueue(id channel.ChannelID, startMsgID uint64) (channel.QueueStatus, bool) {
	r.mu.Lock()
	binding, ok := r.peers[id]
	isFirst := !r.pulled[id]
	r.pulled[id] = true
	r.mu.Unlock()

	if !ok || binding.syncFn == nil {
		r.logger.Error("pull without peer binding", "channel", id.String())
		return channel.QueueTimeout, isFirst
	}

	frame := transport.EncodeFrame(transport.FramePull, transport.EncodePull(startMsgID), false)
	resp, err := binding.syncFn(id, frame)
	if err != nil {
		r.logger.Warn("pull failed", "channel", id.String(), "start", startMsgID, "error", err)
		return channel.QueueTimeout, isFirst
	}

	t, body, err := transport.DecodeFrame(resp)
	if err != nil || t != transport.FramePullResp {
		r.logger.Error("bad pull response", "channel", id.String(), "error", err)
		return channel.QueueTimeout, isFirst
	}
	status, err := transport.DecodePullResp(body)
	if err != nil {
		return channel.QueueTimeout, isFirst
	}
	return status, isFirst
}

// Deliver routes a bundle frame arriving from the transport to its
// queue. Bundles for unknown channels are dropped; the producer resends
// after the next pull.
func (r *Downstream) Deliver(id channel.ChannelID, item *queue.Item) {
	q, ok := r.GetQueue(id)
	if !ok {
		r.logger.Debug("dropping bundle for unknown channel", "channel", id.String())
		return
	}
	q.Deliver(item)
}

// Shutdown closes every queue and empties the registry.
func (r *Downstream) Shutdown() {
	r.mu.Lock()
	queues := make([]*queue.DownstreamQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.queues = make(map[channel.ChannelID]*queue.DownstreamQueue)
	r.peers = make(map[channel.ChannelID]peerBinding)
	r.pulled = make(map[channel.ChannelID]bool)
	r.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
