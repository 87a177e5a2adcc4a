// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/transport"
)

// frameSink collects frames delivered through an async handle.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) deliver(id channel.ChannelID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, payload)
	return nil
}

func (s *frameSink) bundles(t *testing.T) []transport.BundleFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []transport.BundleFrame
	for _, f := range s.frames {
		ft, body, err := transport.DecodeFrame(f)
		require.NoError(t, err)
		if ft != transport.FrameBundle {
			continue
		}
		b, err := transport.DecodeBundle(body)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func (s *frameSink) waitBundles(t *testing.T, n int) []transport.BundleFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.bundles(t); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d bundles", n)
	return nil
}

func newTestUpstream(t *testing.T, capacity uint64, sink *frameSink) *UpstreamQueue {
	t.Helper()
	q := NewUpstreamQueue(channel.NewChannelID(), "peer", capacity, sink.deliver, false, nil)
	t.Cleanup(q.Close)
	return q
}

func TestUpstreamPushAssignsSequentialBundleIDs(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 1024, sink)

	assert.Equal(t, channel.InvalidSeqID, q.CurrentSeqID())
	require.NoError(t, q.Push([]byte("aaa"), 1, 1, 3))
	require.NoError(t, q.Push([]byte("bbb"), 2, 4, 6))
	assert.Equal(t, uint64(2), q.CurrentSeqID())
}

func TestUpstreamPushOutOfMemory(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 10, sink)

	require.NoError(t, q.Push(make([]byte, 6), 1, 1, 1))
	err := q.Push(make([]byte, 6), 2, 2, 2)
	assert.ErrorIs(t, err, channel.ErrOutOfMemory)
}

func TestUpstreamPushExceedsCapacity(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 10, sink)

	err := q.Push(make([]byte, 11), 1, 1, 1)
	assert.ErrorIs(t, err, channel.ErrDataExceedsCapacity)
}

func TestUpstreamEviction(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 10, sink)

	require.NoError(t, q.Push(make([]byte, 6), 1, 1, 3))

	// Nothing acknowledged: eviction has nothing to reclaim.
	assert.ErrorIs(t, q.TryEvictItems(), channel.ErrNoSuchItem)

	// A limit inside the bundle's range must not reclaim it.
	q.SetEvictionLimit(2)
	assert.ErrorIs(t, q.TryEvictItems(), channel.ErrNoSuchItem)

	q.SetEvictionLimit(3)
	require.NoError(t, q.TryEvictItems())
	require.NoError(t, q.Push(make([]byte, 6), 2, 4, 6))
}

func TestUpstreamEvictionLimitIsMonotonic(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 100, sink)

	require.NoError(t, q.Push([]byte("abc"), 1, 1, 3))
	q.SetEvictionLimit(3)
	q.SetEvictionLimit(1) // lower limit must not regress
	require.NoError(t, q.TryEvictItems())
}

func TestUpstreamConsumedWatermarks(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 100, sink)

	assert.Equal(t, channel.UnknownMessageID, q.MinConsumedMessageID())
	assert.Equal(t, channel.UnknownMessageID, q.MinConsumedBundleID())

	q.OnConsumedNotification(7, 2)
	assert.Equal(t, uint64(7), q.MinConsumedMessageID())
	assert.Equal(t, uint64(2), q.MinConsumedBundleID())

	// A notification without a bundle watermark keeps the old one.
	q.OnConsumedNotification(9, channel.UnknownMessageID)
	assert.Equal(t, uint64(9), q.MinConsumedMessageID())
	assert.Equal(t, uint64(2), q.MinConsumedBundleID())
}

func TestUpstreamHandlePull(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 1024, sink)

	// Nothing produced yet.
	assert.Equal(t, channel.QueueNoValidData, q.HandlePull(1))

	require.NoError(t, q.Push([]byte("aaa"), 1, 1, 3))
	require.NoError(t, q.Push([]byte("bbb"), 2, 4, 6))

	// Start past everything produced so far.
	assert.Equal(t, channel.QueueNoValidData, q.HandlePull(7))

	// Start inside the buffered range resumes delivery.
	assert.Equal(t, channel.QueueOK, q.HandlePull(4))
	got := sink.waitBundles(t, 1)
	assert.Equal(t, uint64(2), got[0].SeqID)

	// Evict the head and ask for it again: the data is gone.
	q.SetEvictionLimit(3)
	require.NoError(t, q.TryEvictItems())
	assert.Equal(t, channel.QueueDataLost, q.HandlePull(2))
}

func TestUpstreamDeliversInOrderAfterPull(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 1024, sink)

	require.NoError(t, q.Push([]byte("aaa"), 1, 1, 3))
	assert.Equal(t, channel.QueueOK, q.HandlePull(1))

	require.NoError(t, q.Push([]byte("bbb"), 2, 4, 6))
	q.Send()
	require.NoError(t, q.Push([]byte("ccc"), 3, 7, 9))
	q.Send()

	got := sink.waitBundles(t, 3)
	for i, b := range got {
		assert.Equal(t, uint64(i+1), b.SeqID)
	}
}

func TestUpstreamDoesNotSendBeforePull(t *testing.T) {
	sink := &frameSink{}
	q := newTestUpstream(t, 1024, sink)

	require.NoError(t, q.Push([]byte("aaa"), 1, 1, 3))
	q.Send()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.bundles(t))
}

func newTestDownstream(t *testing.T, sink *frameSink) *DownstreamQueue {
	t.Helper()
	q := NewDownstreamQueue(channel.NewChannelID(), "peer", sink.deliver, 1000, 10, nil)
	t.Cleanup(q.Close)
	return q
}

func TestDownstreamPopReturnsDeliveredItems(t *testing.T) {
	sink := &frameSink{}
	q := newTestDownstream(t, sink)

	q.Deliver(&Item{SeqID: 1, MsgIDStart: 1, MsgIDEnd: 3, Data: []byte("abc")})
	q.Deliver(&Item{SeqID: 2, MsgIDStart: 4, MsgIDEnd: 6, Data: []byte("def")})

	first := q.PopPendingBlockTimeout(time.Second)
	require.Equal(t, uint64(1), first.SeqID)
	assert.Equal(t, []byte("abc"), first.Data)

	second := q.PopPendingBlockTimeout(time.Second)
	require.Equal(t, uint64(2), second.SeqID)
	assert.Equal(t, uint64(6), q.LastRecvMsgID())
}

func TestDownstreamPopTimesOut(t *testing.T) {
	sink := &frameSink{}
	q := newTestDownstream(t, sink)

	start := time.Now()
	item := q.PopPendingBlockTimeout(50 * time.Millisecond)
	assert.Equal(t, channel.InvalidSeqID, item.SeqID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDownstreamPopWakesOnDelivery(t *testing.T) {
	sink := &frameSink{}
	q := newTestDownstream(t, sink)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Deliver(&Item{SeqID: 1, MsgIDStart: 1, MsgIDEnd: 1, Data: []byte("x")})
	}()

	item := q.PopPendingBlockTimeout(2 * time.Second)
	assert.Equal(t, uint64(1), item.SeqID)
}

func TestDownstreamOnConsumedRelaysWatermark(t *testing.T) {
	sink := &frameSink{}
	q := newTestDownstream(t, sink)

	q.OnConsumed(7, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.frames)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	sink.mu.Lock()
	require.NotEmpty(t, sink.frames)
	frame := sink.frames[len(sink.frames)-1]
	sink.mu.Unlock()

	ft, body, err := transport.DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, transport.FrameConsumed, ft)
	c, err := transport.DecodeConsumed(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), c.OffsetMsgID)
	assert.Equal(t, uint64(1), c.ConsumedBundleID)
}

func TestDownstreamOnConsumedCoalesces(t *testing.T) {
	sink := &frameSink{}
	// One notification per second with no burst: the flood below must
	// collapse into a handful of frames carrying the latest offset.
	q := NewDownstreamQueue(channel.NewChannelID(), "peer", sink.deliver, 1, 1, nil)
	t.Cleanup(q.Close)

	for i := 1; i <= 100; i++ {
		q.OnConsumed(uint64(i), uint64(i))
	}
	q.Close()

	sink.mu.Lock()
	frames := append([][]byte{}, sink.frames...)
	sink.mu.Unlock()

	require.NotEmpty(t, frames)
	assert.Less(t, len(frames), 100)

	_, body, err := transport.DecodeFrame(frames[len(frames)-1])
	require.NoError(t, err)
	c, err := transport.DecodeConsumed(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), c.OffsetMsgID)
}
