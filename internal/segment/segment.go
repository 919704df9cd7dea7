// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package segment connects enclaves to the host's shared memory segment service. Enclaves reach
// the service through a longcall; the service answers on a dedicated segment channel.
package segment

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/internal/irq"
	"github.com/ironcore-dev/enclave-provider/internal/lcall"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
)

// Link is the host's segment service.
type Link interface {
	Deliver(ctx context.Context, enclaveID int, cmd []byte) error
}

// LogLink accepts every command and logs it.
type LogLink struct {
	Log logr.Logger
}

func (l LogLink) Deliver(_ context.Context, enclaveID int, cmd []byte) error {
	l.Log.V(1).Info("Received segment command", "enclave", enclaveID, "length", len(cmd))
	return nil
}

// Forwarder hands segment longcalls to a Link.
type Forwarder struct {
	Link Link
}

var _ lcall.Handler = Forwarder{}

func (f Forwarder) HandleLongcall(ctx context.Context, req *lcall.Request) (int64, []byte) {
	log := logr.FromContextOrDiscard(ctx)
	if err := f.Link.Deliver(ctx, req.EnclaveID, req.Payload); err != nil {
		log.Error(err, "Failed to deliver segment command", "enclave", req.EnclaveID)
		return wire.StatusError, nil
	}
	return wire.StatusOK, nil
}

// Endpoint sends segment commands to one enclave.
type Endpoint struct {
	log     logr.Logger
	channel *xbuf.Channel
	irq     irq.Controller
	core    uint32
}

// NewEndpoint attaches to the segment channel the enclave created in mem. Segment interrupts are
// raised on core.
func NewEndpoint(log logr.Logger, mem []byte, ctrl irq.Controller, core uint32, opts xbuf.Options) (*Endpoint, error) {
	ch, err := xbuf.NewInitiator(mem, xbuf.HostSide, ctrl, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to attach segment channel: %w", err)
	}
	return &Endpoint{
		log:     log,
		channel: ch,
		irq:     ctrl,
		core:    core,
	}, nil
}

func (e *Endpoint) Channel() *xbuf.Channel {
	return e.channel
}

// Send delivers cmd and waits until the enclave accepted it.
func (e *Endpoint) Send(ctx context.Context, cmd []byte) error {
	if err := e.channel.Notify(ctx, cmd); err != nil {
		return fmt.Errorf("failed to send segment command: %w", err)
	}
	e.log.V(2).Info("Sent segment command", "length", len(cmd))
	return nil
}

// Signal raises vector on the enclave's boot CPU.
func (e *Endpoint) Signal(vector uint32) error {
	if vector < irq.FirstVector || vector > irq.LastVector {
		return fmt.Errorf("vector 0x%02x is outside of 0x%02x-0x%02x", vector, irq.FirstVector, irq.LastVector)
	}
	return e.irq.Signal(e.core, vector)
}

func (e *Endpoint) Close() error {
	return e.channel.Close()
}
