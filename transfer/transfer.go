// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements the two endpoints of a transfer channel:
// the producer that pushes bundles into its upstream queue and the
// consumer that pops them from its downstream queue. Backends are
// selected at construction time from configuration; the mock backend
// implements the same capability sets without real transport.
package transfer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/streamflow/channel"
	"github.com/absmach/streamflow/channel/mock"
	"github.com/absmach/streamflow/channel/registry"
	"github.com/absmach/streamflow/checkpoint"
	"github.com/absmach/streamflow/config"
)

// Producer is the upstream endpoint capability set.
type Producer interface {
	CreateTransferChannel() channel.Status
	DestroyTransferChannel() channel.Status
	ProduceItemToChannel(data []byte) channel.Status
	NotifyChannelConsumed(msgID uint64) channel.Status
	RefreshChannelInfo() channel.Status
	ClearTransferCheckpoint(checkpointID, checkpointOffset uint64) channel.Status
}

// Consumer is the downstream endpoint capability set.
type Consumer interface {
	CreateTransferChannel() channel.CreationStatus
	DestroyTransferChannel() channel.Status
	ConsumeItemFromChannel(timeout time.Duration) (*channel.DataBundle, channel.Status)
	NotifyChannelConsumed(offsetMsgID uint64) channel.Status
	RefreshChannelInfo() channel.Status
	ClearTransferCheckpoint(checkpointID, checkpointOffset uint64) channel.Status
}

var (
	_ Producer = (*queueProducer)(nil)
	_ Producer = (*mock.Producer)(nil)
	_ Consumer = (*queueConsumer)(nil)
	_ Consumer = (*mock.Consumer)(nil)
)

// ProducerOptions carries optional collaborators for a producer
// endpoint. Zero values select the process-wide registry, no
// checkpointing, and the default logger.
type ProducerOptions struct {
	Registry   *registry.Upstream
	Checkpoint *checkpoint.Store
	Logger     *slog.Logger
}

// NewProducer builds a producer endpoint for the configured backend.
func NewProducer(cfg *config.Config, info *channel.ProducerChannelInfo, opts ProducerOptions) (Producer, error) {
	switch cfg.Transport.Backend {
	case config.BackendMock:
		return mock.NewProducer(info), nil
	case config.BackendQueue:
		reg := opts.Registry
		if reg == nil {
			reg = registry.UpstreamService()
		}
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return &queueProducer{
			info:   info,
			reg:    reg,
			ckpt:   opts.Checkpoint,
			logger: logger.With("channel", info.ChannelID.String()),
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
	}
}

// ConsumerOptions carries optional collaborators for a consumer
// endpoint.
type ConsumerOptions struct {
	Registry   *registry.Downstream
	Checkpoint *checkpoint.Store
	Logger     *slog.Logger
}

// NewConsumer builds a consumer endpoint for the configured backend.
func NewConsumer(cfg *config.Config, info *channel.ConsumerChannelInfo, opts ConsumerOptions) (Consumer, error) {
	switch cfg.Transport.Backend {
	case config.BackendMock:
		return mock.NewConsumer(info), nil
	case config.BackendQueue:
		reg := opts.Registry
		if reg == nil {
			reg = registry.DownstreamService()
		}
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return &queueConsumer{
			info:   info,
			reg:    reg,
			ckpt:   opts.Checkpoint,
			logger: logger.With("channel", info.ChannelID.String()),
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
	}
}
