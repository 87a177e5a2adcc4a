// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamflow/channel"
)

func TestFrameRoundTrip(t *testing.T) {
	body := []byte("hello transfer channel")
	frame := EncodeFrame(FramePull, body, false)

	ft, got, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FramePull, ft)
	assert.Equal(t, body, got)
}

func TestFrameRoundTripCompressed(t *testing.T) {
	// Repetitive body so s2 actually wins.
	body := bytes.Repeat([]byte("streamflow"), 100)
	frame := EncodeFrame(FrameBundle, body, true)
	require.Less(t, len(frame), len(body))

	ft, got, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FrameBundle, ft)
	assert.Equal(t, body, got)
}

func TestFrameCompressionSkippedWhenLarger(t *testing.T) {
	// Tiny incompressible body: the compressed form is kept only when
	// it is smaller, so this must round-trip uncompressed.
	body := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := EncodeFrame(FrameConsumed, body, true)

	ft, got, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, FrameConsumed, ft)
	assert.Equal(t, body, got)
}

func TestDecodeFrameRejectsCorruption(t *testing.T) {
	frame := EncodeFrame(FramePull, []byte("payload"), false)

	short := frame[:5]
	_, _, err := DecodeFrame(short)
	assert.ErrorIs(t, err, ErrBadFrame)

	badMagic := append([]byte{}, frame...)
	badMagic[0] ^= 0xff
	_, _, err = DecodeFrame(badMagic)
	assert.ErrorIs(t, err, ErrBadFrame)

	badVersion := append([]byte{}, frame...)
	badVersion[2] = 0xff
	_, _, err = DecodeFrame(badVersion)
	assert.ErrorIs(t, err, ErrBadFrame)

	flipped := append([]byte{}, frame...)
	flipped[len(flipped)-6] ^= 0x01
	_, _, err = DecodeFrame(flipped)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestBundleBodyRoundTrip(t *testing.T) {
	in := BundleFrame{
		SeqID:      42,
		MsgIDStart: 100,
		MsgIDEnd:   109,
		Timestamp:  1234567890,
		Data:       []byte("opaque payload"),
	}
	out, err := DecodeBundle(EncodeBundle(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeBundle([]byte("short"))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestPullBodyRoundTrip(t *testing.T) {
	start, err := DecodePull(EncodePull(777))
	require.NoError(t, err)
	assert.Equal(t, uint64(777), start)

	_, err = DecodePull([]byte{1, 2})
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestPullRespBodyRoundTrip(t *testing.T) {
	for _, status := range []channel.QueueStatus{
		channel.QueueOK,
		channel.QueueNoValidData,
		channel.QueueTimeout,
		channel.QueueDataLost,
	} {
		got, err := DecodePullResp(EncodePullResp(status))
		require.NoError(t, err)
		assert.Equal(t, status, got)
	}

	_, err := DecodePullResp([]byte{})
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestConsumedBodyRoundTrip(t *testing.T) {
	in := ConsumedFrame{OffsetMsgID: 55, ConsumedBundleID: 7}
	out, err := DecodeConsumed(EncodeConsumed(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// The unknown watermark sentinel must survive the codec untouched.
	sentinel := ConsumedFrame{OffsetMsgID: 3, ConsumedBundleID: channel.UnknownMessageID}
	out, err = DecodeConsumed(EncodeConsumed(sentinel))
	require.NoError(t, err)
	assert.Equal(t, channel.UnknownMessageID, out.ConsumedBundleID)
}
