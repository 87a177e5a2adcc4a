// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the process-wide directories mapping channel
// ids to queue handles and peer bindings. One upstream registry serves
// every producer endpoint in the process, one downstream registry every
// consumer endpoint. Both are lazily-initialized singletons with an
// explicit shutdown hook so tests can reset them between cases.
package registry

import (
	"sync"

	"github.com/absmach/streamflow/channel"
)

// peerBinding records the remote actor and its function handles for one
// channel.
type peerBinding struct {
	actorID channel.ActorID
	asyncFn channel.AsyncFunc
	syncFn  channel.SyncFunc
}

var (
	upstreamMu   sync.Mutex
	upstreamInst *Upstream

	downstreamMu   sync.Mutex
	downstreamInst *Downstream
)

// UpstreamService returns the process-wide upstream registry.
func UpstreamService() *Upstream {
	upstreamMu.Lock()
	defer upstreamMu.Unlock()
	if upstreamInst == nil {
		upstreamInst = NewUpstream()
	}
	return upstreamInst
}

// DownstreamService returns the process-wide downstream registry.
func DownstreamService() *Downstream {
	downstreamMu.Lock()
	defer downstreamMu.Unlock()
	if downstreamInst == nil {
		downstreamInst = NewDownstream()
	}
	return downstreamInst
}

// ResetServices tears down both singletons. Intended for tests.
func ResetServices() {
	upstreamMu.Lock()
	if upstreamInst != nil {
		upstreamInst.Shutdown()
		upstreamInst = nil
	}
	upstreamMu.Unlock()

	downstreamMu.Lock()
	if downstreamInst != nil {
		downstreamInst.Shutdown()
		downstreamInst = nil
	}
	downstreamMu.Unlock()
}
