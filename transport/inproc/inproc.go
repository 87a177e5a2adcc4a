// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inproc binds an upstream and a downstream registry living in
// the same process. It implements both directions of the function-handle
// contract: bundle and consumed-notification frames travel through the
// async handles, pull requests through the sync handle. Useful for
// single-process pipelines and for exercising the real queue path in
// tests.
package inproc

import (
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/channel/queue"
	"github.com/absmach/streamflow/channel/registry"
	"github.com/absmach/streamflow/config"
	"github.com/absmach/streamflow/transport"
)

// Transport wires two in-process registries together.
type Transport struct {
	up      *registry.Upstream
	down    *registry.Downstream
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates an in-process transport between the given registries.
func New(cfg *config.Config, up *registry.Upstream, down *registry.Downstream, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	bc := cfg.Transport.Breaker
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "channel-pull",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Transport{up: up, down: down, breaker: breaker, logger: logger}
}

// ProducerParameter returns the channel parameter a producer endpoint
// uses to reach the consumer actor.
func (t *Transport) ProducerParameter(peer channel.ActorID) channel.ChannelParameter {
	return channel.ChannelParameter{
		ActorID: peer,
		AsyncFn: t.deliverDownstream,
		SyncFn:  t.unsupportedSync,
	}
}

// ConsumerParameter returns the channel parameter a consumer endpoint
// uses to reach the producer actor.
func (t *Transport) ConsumerParameter(peer channel.ActorID) channel.ChannelParameter {
	return channel.ChannelParameter{
		ActorID: peer,
		AsyncFn: t.notifyUpstream,
		SyncFn:  t.pullUpstream,
	}
}

// deliverDownstream routes a bundle frame from an upstream queue into
// the downstream registry.
func (t *Transport) deliverDownstream(id channel.ChannelID, payload []byte) error {
	ft, body, err := transport.DecodeFrame(payload)
	if err != nil {
		return err
	}
	if ft != transport.FrameBundle {
		return fmt.Errorf("%w: unexpected frame type %d", transport.ErrBadFrame, ft)
	}
	b, err := transport.DecodeBundle(body)
	if err != nil {
		return err
	}
	t.down.Deliver(id, &queue.Item{
		SeqID:      b.SeqID,
		MsgIDStart: b.MsgIDStart,
		MsgIDEnd:   b.MsgIDEnd,
		Timestamp:  b.Timestamp,
		Data:       b.Data,
	})
	return nil
}

// notifyUpstream routes a consumed notification from a downstream queue
// into the upstream registry.
func (t *Transport) notifyUpstream(id channel.ChannelID, payload []byte) error {
	ft, body, err := transport.DecodeFrame(payload)
	if err != nil {
		return err
	}
	if ft != transport.FrameConsumed {
		return fmt.Errorf("%w: unexpected frame type %d", transport.ErrBadFrame, ft)
	}
	c, err := transport.DecodeConsumed(body)
	if err != nil {
		return err
	}
	t.up.HandleConsumed(id, c.OffsetMsgID, c.ConsumedBundleID)
	return nil
}

// pullUpstream resolves a synchronous pull against the upstream
// registry. The circuit breaker keeps a flapping producer from being
// hammered with pulls; an open breaker surfaces as an error, which the
// downstream registry reports as a timeout.
func (t *Transport) pullUpstream(id channel.ChannelID, payload []byte) ([]byte, error) {
	resp, err := t.breaker.Execute(func() (interface{}, error) {
		ft, body, err := transport.DecodeFrame(payload)
		if err != nil {
			return nil, err
		}
		if ft != transport.FramePull {
			return nil, fmt.Errorf("%w: unexpected frame type %d", transport.ErrBadFrame, ft)
		}
		startMsgID, err := transport.DecodePull(body)
		if err != nil {
			return nil, err
		}

		status := t.up.HandlePull(id, startMsgID)
		if status == channel.QueueTimeout {
			return nil, fmt.Errorf("pull timed out: no producer for channel %s", id)
		}
		return transport.EncodeFrame(transport.FramePullResp, transport.EncodePullResp(status), false), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.([]byte), nil
}

func (t *Transport) unsupportedSync(id channel.ChannelID, payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("no sync operation towards the consumer on channel %s", id)
}
