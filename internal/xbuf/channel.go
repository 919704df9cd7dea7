// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package xbuf implements a message channel over a shared memory region. One side creates the
// channel as responder and receives messages through an interrupt; the other side sends
// messages as initiator. Messages larger than the staging area are transferred in chunks.
package xbuf

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/internal/irq"
	"github.com/ironcore-dev/enclave-provider/internal/metrics"
)

const (
	DefaultStallThreshold = 1 << 20
	DefaultYieldInterval  = 64
	DefaultMaxMessageSize = 16 << 20
)

// Handler receives a message on the responder side. It is called in interrupt context and must
// not block; the reply is sent with Channel.Complete, possibly from another goroutine.
type Handler interface {
	HandleMessage(ch *Channel, payload []byte)
}

type HandlerFunc func(ch *Channel, payload []byte)

func (f HandlerFunc) HandleMessage(ch *Channel, payload []byte) {
	f(ch, payload)
}

type Options struct {
	Name string
	Log  logr.Logger

	// StallThreshold is the number of busy-wait iterations after which a stall is reported.
	StallThreshold int
	// YieldInterval is the number of busy-wait iterations between two yields.
	YieldInterval int
	// MaxMessageSize bounds the data length a peer may announce.
	MaxMessageSize uint32
}

func setOptionsDefaults(o *Options) {
	if o.Name == "" {
		o.Name = "channel"
	}
	if o.Log.GetSink() == nil {
		o.Log = logr.Discard()
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = DefaultStallThreshold
	}
	if o.YieldInterval <= 0 {
		o.YieldInterval = DefaultYieldInterval
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
}

type Channel struct {
	name string
	log  logr.Logger
	opts Options

	hdr      header
	side     Side
	capacity int

	irq     irq.Controller
	binding *irq.Binding
	handler Handler
	// live is held shared by every running interrupt handler; closed and binding change under it
	// exclusively.
	live   sync.RWMutex
	closed bool

	// mu serializes local initiators; wake is closed whenever a transaction is released.
	mu   sync.Mutex
	wake chan struct{}
}

func newChannel(mem []byte, side Side, ctrl irq.Controller, opts Options) (*Channel, error) {
	setOptionsDefaults(&opts)

	if ctrl == nil {
		return nil, fmt.Errorf("must specify interrupt controller")
	}
	if len(mem) <= HeaderSize {
		return nil, fmt.Errorf("channel memory of %d bytes cannot hold a %d byte header", len(mem), HeaderSize)
	}
	if len(mem)-HeaderSize > math.MaxUint32 {
		return nil, fmt.Errorf("channel memory of %d bytes is too large", len(mem))
	}
	if !aligned(mem) {
		return nil, fmt.Errorf("channel memory must be 8 byte aligned")
	}

	return &Channel{
		name:     opts.Name,
		log:      opts.Log.WithValues("channel", opts.Name),
		opts:     opts,
		hdr:      header{mem: mem},
		side:     side,
		capacity: len(mem) - HeaderSize,
		irq:      ctrl,
		wake:     make(chan struct{}),
	}, nil
}

// NewResponder initializes the header in mem, binds a vector on core and marks the channel
// READY. Messages are passed to h. It fails if the header is already READY.
func NewResponder(mem []byte, side Side, ctrl irq.Controller, core uint32, h Handler, opts Options) (*Channel, error) {
	c, err := newChannel(mem, side, ctrl, opts)
	if err != nil {
		return nil, err
	}

	if c.hdr.flags()&flagReady != 0 {
		return nil, ErrAlreadyInitialized
	}

	c.handler = h
	c.hdr.reset()
	c.hdr.setCapacity(uint32(c.capacity))

	b, err := ctrl.Bind(core, irq.HandlerFunc(c.interrupt))
	if err != nil {
		return nil, fmt.Errorf("failed to bind interrupt: %w", err)
	}
	c.binding = &b
	c.hdr.setRoute(side, Route{Core: b.Core, Vector: b.Vector})

	c.hdr.storeFlags(flagReady)
	c.log.V(1).Info("Initialized responder", "side", side, "binding", b, "capacity", c.capacity)
	return c, nil
}

// NewInitiator attaches to a channel whose responder lives in the peer domain. If target is
// set, it overrides the peer routing published in the header.
func NewInitiator(mem []byte, side Side, ctrl irq.Controller, target *Route, opts Options) (*Channel, error) {
	c, err := newChannel(mem, side, ctrl, opts)
	if err != nil {
		return nil, err
	}

	if target != nil {
		c.hdr.setRoute(side.peer(), *target)
	}
	c.log.V(1).Info("Initialized initiator", "side", side, "capacity", c.capacity)
	return c, nil
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Capacity() int {
	return c.capacity
}

func (c *Channel) Ready() bool {
	return c.hdr.flags()&flagReady != 0
}

// Binding returns the local interrupt binding of a responder.
func (c *Channel) Binding() (irq.Binding, bool) {
	c.live.RLock()
	defer c.live.RUnlock()
	if c.binding == nil {
		return irq.Binding{}, false
	}
	return *c.binding, true
}

// Enable marks the channel READY and clears every transaction bit. It must not race with a
// transaction.
func (c *Channel) Enable() {
	c.hdr.storeFlags(flagReady)
}

// Disable clears READY. Every wait inside a running transaction, on either side, fails with
// ErrDisabled, and local initiators waiting for the channel are woken.
func (c *Channel) Disable() {
	c.hdr.clearFlags(flagReady)

	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.log.V(1).Info("Disabled channel")
}

// Close disables the channel and releases its interrupt binding. It returns once no interrupt
// handler of the channel is running, so the memory may be unmapped afterwards.
func (c *Channel) Close() error {
	c.Disable()

	c.live.Lock()
	c.closed = true
	binding := c.binding
	c.binding = nil
	c.live.Unlock()

	if binding == nil {
		return nil
	}
	return c.irq.Unbind(*binding)
}

// Call sends payload and returns the peer's reply.
func (c *Channel) Call(ctx context.Context, payload []byte) ([]byte, error) {
	return c.transact(ctx, payload, true)
}

// Notify sends payload and waits until the peer completed it, discarding any reply.
func (c *Channel) Notify(ctx context.Context, payload []byte) error {
	_, err := c.transact(ctx, payload, false)
	return err
}

func (c *Channel) transact(ctx context.Context, payload []byte, wantReply bool) ([]byte, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}
	if uint64(len(payload)) > uint64(c.opts.MaxMessageSize) {
		return nil, fmt.Errorf("%d bytes: %w", len(payload), ErrTooLarge)
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	reply, err := c.exchange(payload, wantReply)
	c.release()

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.ChannelTransactions.WithLabelValues(c.name, result).Inc()
	metrics.ChannelTransactionDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	return reply, err
}

func (c *Channel) exchange(payload []byte, wantReply bool) ([]byte, error) {
	rest := c.stage(payload)

	peer := c.hdr.route(c.side.peer())
	c.log.V(2).Info("Signaling peer", "core", peer.Core, "vector", peer.Vector, "length", len(payload))
	if err := c.irq.Signal(peer.Core, peer.Vector); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignal, err)
	}

	if err := c.sendChunks(rest, 0); err != nil {
		return nil, err
	}

	flags, err := c.waitFor("complete", 0, 1, func(f uint64) bool { return f&flagComplete != 0 })
	if err != nil {
		return nil, err
	}

	if !wantReply || flags&flagStaged == 0 {
		return nil, nil
	}
	return c.receive(0)
}

// acquire claims the channel for a local initiator: READY becomes READY|PENDING.
func (c *Channel) acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		f := c.hdr.flags()
		if f&flagReady == 0 {
			c.mu.Unlock()
			return ErrDisabled
		}
		if f&flagPending == 0 {
			if c.hdr.casFlags(f, flagReady|flagPending) {
				c.mu.Unlock()
				return nil
			}
			c.mu.Unlock()
			continue
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release resets the flags to READY, unless the channel was disabled meanwhile, and wakes local
// initiators.
func (c *Channel) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		f := c.hdr.flags()
		if c.hdr.casFlags(f, f&flagReady) {
			break
		}
	}
	close(c.wake)
	c.wake = make(chan struct{})
}

// stage writes the data length and the first chunk and sets STAGED. It returns the bytes that
// did not fit.
func (c *Channel) stage(payload []byte) []byte {
	c.hdr.setDataLen(uint32(len(payload)))
	n := copy(c.hdr.data(), payload)
	c.hdr.setFlags(flagStaged)
	return payload[n:]
}

// sendChunks transfers the remaining chunks, each after the peer consumed the previous one.
func (c *Channel) sendChunks(rest []byte, guard uint64) error {
	for len(rest) > 0 {
		if _, err := c.waitFor("send", guard, c.opts.YieldInterval, func(f uint64) bool { return f&flagStaged == 0 }); err != nil {
			return err
		}
		n := copy(c.hdr.data(), rest)
		rest = rest[n:]
		c.hdr.setFlags(flagStaged)
	}
	return nil
}

// receive reassembles a message from staged chunks, clearing STAGED after each one.
func (c *Channel) receive(guard uint64) ([]byte, error) {
	isStaged := func(f uint64) bool { return f&flagStaged != 0 }

	if _, err := c.waitFor("receive", guard, c.opts.YieldInterval, isStaged); err != nil {
		return nil, err
	}

	total := c.hdr.dataLen()
	if total > c.opts.MaxMessageSize {
		c.log.Error(ErrCorrupt, "Peer announced an oversized message, disabling channel", "length", total)
		c.Disable()
		return nil, fmt.Errorf("data length %d: %w", total, ErrCorrupt)
	}

	buf := make([]byte, total)
	off := 0
	for {
		off += copy(buf[off:], c.hdr.data())
		c.hdr.clearFlags(flagStaged)
		if off == len(buf) {
			return buf, nil
		}
		if _, err := c.waitFor("receive", guard, c.opts.YieldInterval, isStaged); err != nil {
			return nil, err
		}
	}
}

// waitFor spins until cond holds. It fails as soon as READY clears, or when guard is set and
// any of its bits clears.
func (c *Channel) waitFor(op string, guard uint64, yieldEvery int, cond func(uint64) bool) (uint64, error) {
	for i := 1; ; i++ {
		f := c.hdr.flags()
		if f&flagReady == 0 {
			return f, ErrDisabled
		}
		if guard != 0 && f&guard != guard {
			return f, ErrAborted
		}
		if cond(f) {
			return f, nil
		}

		if i%yieldEvery == 0 {
			yield()
		}
		if i%c.opts.StallThreshold == 0 {
			c.log.Info("Channel stalled", "operation", op, "iterations", i, "flags", fmt.Sprintf("0x%02x", f))
			metrics.ChannelStalls.WithLabelValues(c.name).Inc()
		}
	}
}

func (c *Channel) interrupt() {
	c.live.RLock()
	defer c.live.RUnlock()
	if c.closed {
		return
	}
	c.handleInterrupt()
}

func (c *Channel) handleInterrupt() {
	for {
		f := c.hdr.flags()
		if f&flagReady == 0 || f&flagPending == 0 || f&flagActive != 0 {
			c.log.V(2).Info("Ignoring interrupt without a new transaction", "flags", fmt.Sprintf("0x%02x", f))
			metrics.ChannelSpuriousInterrupts.WithLabelValues(c.name).Inc()
			return
		}
		if c.hdr.casFlags(f, f|flagActive) {
			break
		}
	}

	payload, err := c.receive(flagPending)
	if err != nil {
		c.log.Error(err, "Failed to receive message")
		return
	}

	if c.handler == nil {
		c.log.Error(fmt.Errorf("no handler registered"), "Completing message without processing it", "length", len(payload))
		c.hdr.setFlags(flagComplete)
		return
	}
	c.handler.HandleMessage(c, payload)
}

// Complete replies to the active transaction. The first chunk is staged before COMPLETE is
// set; further chunks follow as the initiator consumes them.
func (c *Channel) Complete(payload []byte) error {
	f := c.hdr.flags()
	if f&flagReady == 0 {
		return ErrDisabled
	}
	if f&flagActive == 0 || f&flagComplete != 0 {
		return ErrInactive
	}
	if uint64(len(payload)) > uint64(c.opts.MaxMessageSize) {
		return fmt.Errorf("%d bytes: %w", len(payload), ErrTooLarge)
	}

	var rest []byte
	if len(payload) > 0 {
		rest = c.stage(payload)
	}
	c.hdr.setFlags(flagComplete)

	return c.sendChunks(rest, flagActive)
}
