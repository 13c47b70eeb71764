// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mxcp-dev/mxcp/pkg/logger"
	"github.com/mxcp-dev/mxcp/pkg/sqlengine"
)

// ErrNotReady is returned by Enter before the first generation is
// published.
var ErrNotReady = errors.New("no generation published yet")

// admission counts in-flight requests of one generation. Once closed it
// admits nobody; drain resolves when the count reaches zero.
type admission struct {
	mu     sync.Mutex
	count  int
	closed bool
	idle   chan struct{}
	onIdle func()
}

func (a *admission) enter() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.count++
	return true
}

func (a *admission) leave() {
	a.mu.Lock()
	a.count--
	var fire func()
	if a.closed && a.count == 0 {
		if a.idle != nil {
			close(a.idle)
			a.idle = nil
		}
		fire = a.onIdle
		a.onIdle = nil
	}
	a.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// drain closes the gate and returns a channel that resolves when every
// admitted request has left. onIdle fires exactly once at that moment
// (immediately when nothing is in flight) unless withdrawn first by
// cancelIdleHook or reopen.
func (a *admission) drain(onIdle func()) <-chan struct{} {
	a.mu.Lock()
	a.closed = true
	idle := make(chan struct{})
	var fire func()
	if a.count == 0 {
		close(idle)
		fire = onIdle
	} else {
		a.idle = idle
		a.onIdle = onIdle
	}
	a.mu.Unlock()
	if fire != nil {
		fire()
	}
	return idle
}

// cancelIdleHook withdraws a pending onIdle. Reports false when the hook
// already fired.
func (a *admission) cancelIdleHook() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.onIdle == nil {
		return false
	}
	a.onIdle = nil
	return true
}

func (a *admission) reopen() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = false
	a.idle = nil
	a.onIdle = nil
}

func (a *admission) inFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Host publishes the current generation and admits requests into it.
type Host struct {
	current atomic.Pointer[Generation]

	// swapped is replaced at the start of each reload and closed when the
	// reload resolves, waking requests that arrived mid-reload.
	swapped atomic.Pointer[chan struct{}]

	// reloadMu serializes reloads.
	reloadMu sync.Mutex

	drainTimeout time.Duration
}

// NewHost creates a Host with no generation published.
func NewHost(drainTimeout time.Duration) *Host {
	h := &Host{drainTimeout: drainTimeout}
	ch := make(chan struct{})
	h.swapped.Store(&ch)
	return h
}

// Publish installs the first generation. Later generations are installed by
// Reload.
func (h *Host) Publish(gen *Generation) {
	h.current.Store(gen)
}

// Current returns the serving generation without entering it. Used by
// read-only surfaces like listings and status.
func (h *Host) Current() *Generation {
	return h.current.Load()
}

// Enter admits the request into the current generation. While a reload is
// between gate-close and publish, Enter blocks until the swap resolves and
// then admits into whichever generation is serving. The release function
// must be called exactly once, after the request is done with the
// generation.
func (h *Host) Enter(ctx context.Context) (*Generation, func(), error) {
	for {
		gen := h.current.Load()
		if gen == nil {
			return nil, nil, ErrNotReady
		}
		if gen.adm.enter() {
			released := false
			release := func() {
				if !released {
					released = true
					gen.adm.leave()
				}
			}
			return gen, release, nil
		}

		swapped := *h.swapped.Load()
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-swapped:
		}
	}
}

// Reload runs the drain-and-swap protocol:
//
//  1. close the old generation's gate; new requests wait
//  2. wait for in-flight requests, up to the drain timeout
//  3. build the next generation
//  4. publish it atomically and release waiting requests
//
// The old engine closes when the old generation's last admitted request
// leaves, which may be after the swap: stragglers past the drain timeout
// finish against the database state they started with, and a reload never
// blocks on them. If the build fails the old generation keeps serving: its
// engine is reopened if the drain already closed it, and its gate re-opens.
// The error is returned to the caller.
func (h *Host) Reload(ctx context.Context, build func(ctx context.Context) (*Generation, error)) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	old := h.current.Load()
	if old == nil {
		return ErrNotReady
	}

	swapped := make(chan struct{})
	h.swapped.Store(&swapped)
	defer close(swapped)

	logger.Infow("reload started", "generation", old.Number)

	oldEngine := old.Engine
	idle := old.adm.drain(func() {
		if err := oldEngine.Drain(context.Background()); err != nil {
			logger.Warnw("engine drain reported error", "error", err)
		}
	})

	select {
	case <-idle:
	case <-time.After(h.drainTimeout):
		logger.Warnw("drain timeout exceeded, swapping with requests in flight",
			"generation", old.Number, "in_flight", old.adm.inFlight())
	case <-ctx.Done():
		return h.rollback(old, ctx.Err())
	}

	next, err := build(ctx)
	if err != nil {
		logger.Errorw("reload build failed, keeping current generation",
			"generation", old.Number, "error", err)
		return h.rollback(old, err)
	}

	next.Number = old.Number + 1
	h.current.Store(next)

	logger.Infow("reload complete",
		"generation", next.Number, "endpoints", next.Registry.Len())
	return nil
}

// rollback returns the old generation to service after a failed reload.
// When the drain hook already closed the engine the gate is guaranteed
// empty, so the engine can be replaced before anyone is readmitted.
func (h *Host) rollback(old *Generation, cause error) error {
	if !old.adm.cancelIdleHook() {
		engine, reopenErr := sqlengine.New(context.Background(), old.EngineOpts)
		if reopenErr != nil {
			return errors.Join(cause, reopenErr)
		}
		old.Engine = engine
	}
	old.adm.reopen()
	return cause
}
