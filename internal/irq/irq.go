// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package irq binds interrupt vectors to handlers and delivers cross-domain interrupts.
package irq

import (
	"errors"
	"fmt"
)

var (
	ErrNoVector = errors.New("no free interrupt vector")
	ErrNotBound = errors.New("interrupt vector not bound")
)

const (
	FirstVector uint32 = 0x40
	LastVector  uint32 = 0xef
)

// Handler runs in interrupt context. Implementations must not block for long and must not
// assume a particular goroutine.
type Handler interface {
	HandleInterrupt()
}

type HandlerFunc func()

func (f HandlerFunc) HandleInterrupt() {
	f()
}

// Binding identifies where an interrupt is received.
type Binding struct {
	Core   uint32
	Vector uint32
}

func (b Binding) String() string {
	return fmt.Sprintf("%d/0x%02x", b.Core, b.Vector)
}

type Controller interface {
	// Bind allocates a vector on core and routes it to h.
	Bind(core uint32, h Handler) (Binding, error)
	Unbind(b Binding) error
	// Signal raises vector on core.
	Signal(core, vector uint32) error
}
