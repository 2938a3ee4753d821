// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/fluxproc/engine"
)

// ErrUnknownPartition is returned when no engine is registered for the target
// partition.
var ErrUnknownPartition = errors.New("unknown partition")

// ErrQueueFull is returned when the delivery queue is saturated. The command
// is dropped; a pending tracker resends it later.
var ErrQueueFull = errors.New("delivery queue full")

const defaultQueueSize = 1024

type delivery struct {
	partition int32
	cmd       engine.Command
}

// Loopback delivers commands between engines hosted in the same process. It
// decouples sender and receiver with a queue, so an engine may send to itself
// without re-entering its own command lock.
type Loopback struct {
	logger *slog.Logger

	mu      sync.RWMutex
	engines map[int32]*engine.Engine

	queue  chan delivery
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ engine.Sender = (*Loopback)(nil)

// NewLoopback creates an in-process command router.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		logger:  logger,
		engines: make(map[int32]*engine.Engine),
		queue:   make(chan delivery, defaultQueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a local engine as the receiver for its partition.
func (l *Loopback) Register(e *engine.Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.engines[e.PartitionID()] = e
}

// Start launches the delivery worker.
func (l *Loopback) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop terminates the delivery worker. Queued commands are dropped; the
// pending trackers recover them after restart.
func (l *Loopback) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// Send enqueues a command for the target partition.
func (l *Loopback) Send(_ context.Context, partition int32, cmd engine.Command) error {
	l.mu.RLock()
	_, ok := l.engines[partition]
	l.mu.RUnlock()
	if !ok {
		return ErrUnknownPartition
	}

	select {
	case l.queue <- delivery{partition: partition, cmd: cmd}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Loopback) run() {
	defer l.wg.Done()
	for {
		select {
		case d := <-l.queue:
			l.deliver(d)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loopback) deliver(d delivery) {
	l.mu.RLock()
	e, ok := l.engines[d.partition]
	l.mu.RUnlock()
	if !ok {
		return
	}

	// Rejections are part of the protocol and already logged by the engine.
	if _, err := e.Handle(context.Background(), d.cmd); err != nil {
		l.logger.Error("failed to deliver command",
			slog.String("kind", string(d.cmd.Kind())),
			slog.Int("partition", int(d.partition)),
			slog.String("error", err.Error()))
	}
}
