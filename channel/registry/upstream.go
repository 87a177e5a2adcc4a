// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"log/slog"
	"sync"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/channel/queue"
)

// Upstream is the producer-side registry. It owns the upstream queues
// and the peer bindings for every channel this process produces into.
type Upstream struct {
	mu       sync.RWMutex
	queues   map[channel.ChannelID]*queue.UpstreamQueue
	peers    map[channel.ChannelID]peerBinding
	compress bool
	logger   *slog.Logger
}

// NewUpstream creates an empty upstream registry.
func NewUpstream() *Upstream {
	return &Upstream{
		queues: make(map[channel.ChannelID]*queue.UpstreamQueue),
		peers:  make(map[channel.ChannelID]peerBinding),
		logger: slog.Default(),
	}
}

// SetLogger replaces the registry logger.
func (r *Upstream) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// SetCompression toggles frame compression for queues created later.
func (r *Upstream) SetCompression(on bool) {
	r.mu.Lock()
	r.compress = on
	r.mu.Unlock()
}

// Exists reports whether an upstream queue exists for the channel.
func (r *Upstream) Exists(id channel.ChannelID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.queues[id]
	return ok
}

// SetPeer binds the remote actor and its function handles to a channel.
// Re-binding an already-created channel is ignored so that duplicate
// creates leave the original binding untouched.
func (r *Upstream) SetPeer(id channel.ChannelID, actorID channel.ActorID, asyncFn channel.AsyncFunc, syncFn channel.SyncFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; ok {
		return
	}
	r.peers[id] = peerBinding{actorID: actorID, asyncFn: asyncFn, syncFn: syncFn}
}

// CreateUpstreamQueue creates the queue for a channel, or returns the
// existing one. The peer must have been bound first.
func (r *Upstream) CreateUpstreamQueue(id channel.ChannelID, actorID channel.ActorID, size uint64) *queue.UpstreamQueue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[id]; ok {
		r.logger.Info("upstream queue already exists", "channel", id.String())
		return q
	}
	binding, ok := r.peers[id]
	if !ok || binding.asyncFn == nil {
		r.logger.Error("no peer bound for channel", "channel", id.String())
		return nil
	}
	q := queue.NewUpstreamQueue(id, actorID, size, binding.asyncFn, r.compress, r.logger)
	r.queues[id] = q
	r.logger.Info("created upstream queue", "channel", id.String(), "size", size)
	return q
}

// GetQueue looks up the queue for a channel.
func (r *Upstream) GetQueue(id channel.ChannelID) (*queue.UpstreamQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// RemoveQueue disposes the queue for a channel, if any.
func (r *Upstream) RemoveQueue(id channel.ChannelID) {
	r.mu.Lock()
	q, ok := r.queues[id]
	if ok {
		delete(r.queues, id)
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if ok {
		q.Close()
	}
}

// HandlePull resolves a pull request arriving from the transport.
// Pulling a channel whose queue does not exist yet reports a timeout:
// the producer simply is not up, and the consumer's transport deadline
// governs how long it keeps trying.
func (r *Upstream) HandlePull(id channel.ChannelID, startMsgID uint64) channel.QueueStatus {
	q, ok := r.GetQueue(id)
	if !ok {
		return channel.QueueTimeout
	}
	return q.HandlePull(startMsgID)
}

// HandleConsumed routes a consumed notification arriving from the
// transport to its queue. Notifications for unknown channels are
// dropped; the consumer will repeat them.
func (r *Upstream) HandleConsumed(id channel.ChannelID, offsetMsgID, consumedBundleID uint64) {
	q, ok := r.GetQueue(id)
	if !ok {
		return
	}
	q.OnConsumedNotification(offsetMsgID, consumedBundleID)
}

// Shutdown closes every queue and empties the registry.
func (r *Upstream) Shutdown() {
	r.mu.Lock()
	queues := make([]*queue.UpstreamQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.queues = make(map[channel.ChannelID]*queue.UpstreamQueue)
	r.peers = make(map[channel.ChannelID]peerBinding)
	r.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
