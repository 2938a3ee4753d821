// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"

	"github.com/absmach/fluxproc/engine"
)

// Router delivers a command in-process when the target partition is hosted
// locally and over HTTP otherwise. It is the Sender wired into every local
// engine.
type Router struct {
	local  *Loopback
	remote *HTTPSender
}

var _ engine.Sender = (*Router)(nil)

// NewRouter creates a router over the local loopback and the peer transport.
// remote may be nil for a single-node deployment.
func NewRouter(local *Loopback, remote *HTTPSender) *Router {
	return &Router{local: local, remote: remote}
}

// Send routes a command to the partition's host.
func (r *Router) Send(ctx context.Context, partition int32, cmd engine.Command) error {
	err := r.local.Send(ctx, partition, cmd)
	if err != ErrUnknownPartition {
		return err
	}
	if r.remote == nil {
		return ErrUnknownPartition
	}
	return r.remote.Send(ctx, partition, cmd)
}
