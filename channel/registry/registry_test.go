// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/transport"
)

func noopAsync(channel.ChannelID, []byte) error { return nil }

func TestUpstreamCreateIsIdempotent(t *testing.T) {
	r := NewUpstream()
	defer r.Shutdown()

	id := channel.NewChannelID()
	assert.False(t, r.Exists(id))

	r.SetPeer(id, "peer", noopAsync, nil)
	q1 := r.CreateUpstreamQueue(id, "peer", 1024)
	require.NotNil(t, q1)
	assert.True(t, r.Exists(id))

	q2 := r.CreateUpstreamQueue(id, "peer", 2048)
	assert.Same(t, q1, q2)
}

func TestUpstreamCreateWithoutPeerFails(t *testing.T) {
	r := NewUpstream()
	defer r.Shutdown()

	q := r.CreateUpstreamQueue(channel.NewChannelID(), "peer", 1024)
	assert.Nil(t, q)
}

func TestUpstreamSetPeerKeepsExistingBinding(t *testing.T) {
	r := NewUpstream()
	defer r.Shutdown()

	id := channel.NewChannelID()
	r.SetPeer(id, "peer", noopAsync, nil)
	q1 := r.CreateUpstreamQueue(id, "peer", 1024)
	require.NotNil(t, q1)

	// Re-binding after creation must leave the stored binding and queue
	// untouched.
	r.SetPeer(id, "other", noopAsync, nil)
	r.mu.RLock()
	assert.Equal(t, channel.ActorID("peer"), r.peers[id].actorID)
	r.mu.RUnlock()
	q2, ok := r.GetQueue(id)
	require.True(t, ok)
	assert.Same(t, q1, q2)
}

func TestUpstreamHandlePullUnknownChannel(t *testing.T) {
	r := NewUpstream()
	defer r.Shutdown()

	assert.Equal(t, channel.QueueTimeout, r.HandlePull(channel.NewChannelID(), 1))
}

func TestUpstreamHandleConsumedUnknownChannelIsDropped(t *testing.T) {
	r := NewUpstream()
	defer r.Shutdown()

	// Must not panic.
	r.HandleConsumed(channel.NewChannelID(), 5, 1)
}

func TestUpstreamRemoveQueue(t *testing.T) {
	r := NewUpstream()
	defer r.Shutdown()

	id := channel.NewChannelID()
	r.SetPeer(id, "peer", noopAsync, nil)
	require.NotNil(t, r.CreateUpstreamQueue(id, "peer", 1024))

	r.RemoveQueue(id)
	assert.False(t, r.Exists(id))
}

func TestDownstreamCreateIsIdempotent(t *testing.T) {
	r := NewDownstream()
	defer r.Shutdown()

	id := channel.NewChannelID()
	r.SetPeer(id, "peer", noopAsync, nil)
	q1 := r.CreateDownstreamQueue(id, "peer")
	require.NotNil(t, q1)

	q2 := r.CreateDownstreamQueue(id, "peer")
	assert.Same(t, q1, q2)
}

func TestDownstreamPullQueue(t *testing.T) {
	r := NewDownstream()
	defer r.Shutdown()

	var mu sync.Mutex
	var pulledStart uint64
	syncFn := func(id channel.ChannelID, payload []byte) ([]byte, error) {
		ft, body, err := transport.DecodeFrame(payload)
		if err != nil || ft != transport.FramePull {
			return nil, errors.New("unexpected frame")
		}
		start, err := transport.DecodePull(body)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		pulledStart = start
		mu.Unlock()
		return transport.EncodeFrame(transport.FramePullResp, transport.EncodePullResp(channel.QueueOK), false), nil
	}

	id := channel.NewChannelID()
	r.SetPeer(id, "peer", noopAsync, syncFn)
	require.NotNil(t, r.CreateDownstreamQueue(id, "peer"))

	status, first := r.PullQueue(id, 11)
	assert.Equal(t, channel.QueueOK, status)
	assert.True(t, first)
	mu.Lock()
	assert.Equal(t, uint64(11), pulledStart)
	mu.Unlock()

	status, first = r.PullQueue(id, 11)
	assert.Equal(t, channel.QueueOK, status)
	assert.False(t, first)
}

func TestDownstreamPullQueueTransportError(t *testing.T) {
	r := NewDownstream()
	defer r.Shutdown()

	syncFn := func(channel.ChannelID, []byte) ([]byte, error) {
		return nil, errors.New("peer unreachable")
	}

	id := channel.NewChannelID()
	r.SetPeer(id, "peer", noopAsync, syncFn)
	require.NotNil(t, r.CreateDownstreamQueue(id, "peer"))

	status, _ := r.PullQueue(id, 1)
	assert.Equal(t, channel.QueueTimeout, status)
}

func TestDownstreamDeliverUnknownChannelIsDropped(t *testing.T) {
	r := NewDownstream()
	defer r.Shutdown()

	// Must not panic.
	r.Deliver(channel.NewChannelID(), nil)
}

func TestServiceSingletonsReset(t *testing.T) {
	up1 := UpstreamService()
	down1 := DownstreamService()
	assert.Same(t, up1, UpstreamService())
	assert.Same(t, down1, DownstreamService())

	ResetServices()

	assert.NotSame(t, up1, UpstreamService())
	assert.NotSame(t, down1, DownstreamService())
	ResetServices()
}
