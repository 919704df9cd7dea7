// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package irq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

type line struct {
	handler Handler
	// Deliveries on one line never overlap, like a non-reentrant interrupt handler.
	mu sync.Mutex
}

// Fabric is an in-process Controller. Every signal is delivered on its own goroutine.
type Fabric struct {
	log logr.Logger

	mu    sync.Mutex
	lines map[Binding]*line

	signals  atomic.Uint64
	dropped  atomic.Uint64
	inflight sync.WaitGroup
}

func NewFabric(log logr.Logger) *Fabric {
	return &Fabric{
		log:   log,
		lines: make(map[Binding]*line),
	}
}

func (f *Fabric) Bind(core uint32, h Handler) (Binding, error) {
	if h == nil {
		return Binding{}, fmt.Errorf("must specify handler")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for vector := FirstVector; vector <= LastVector; vector++ {
		b := Binding{Core: core, Vector: vector}
		if _, ok := f.lines[b]; ok {
			continue
		}
		f.lines[b] = &line{handler: h}
		f.log.V(2).Info("Bound vector", "binding", b)
		return b, nil
	}
	return Binding{}, fmt.Errorf("core %d: %w", core, ErrNoVector)
}

func (f *Fabric) Unbind(b Binding) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.lines[b]; !ok {
		return fmt.Errorf("%s: %w", b, ErrNotBound)
	}
	delete(f.lines, b)
	f.log.V(2).Info("Unbound vector", "binding", b)
	return nil
}

func (f *Fabric) Signal(core, vector uint32) error {
	b := Binding{Core: core, Vector: vector}

	f.mu.Lock()
	l, ok := f.lines[b]
	f.mu.Unlock()
	if !ok {
		f.dropped.Add(1)
		return fmt.Errorf("%s: %w", b, ErrNotBound)
	}

	f.signals.Add(1)
	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		l.handler.HandleInterrupt()
	}()
	return nil
}

// Signals returns the number of delivered interrupts.
func (f *Fabric) Signals() uint64 {
	return f.signals.Load()
}

// Dropped returns the number of signals raised on unbound vectors.
func (f *Fabric) Dropped() uint64 {
	return f.dropped.Load()
}

// Wait blocks until every delivered interrupt has been handled.
func (f *Fabric) Wait() {
	f.inflight.Wait()
}
