// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package controller drives enclaves. Every control operation is validated against the enclave's
// resource model, sent as one command on the enclave's control channel and, once acknowledged,
// recorded locally.
package controller

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/boot"
	"github.com/ironcore-dev/enclave-provider/internal/enclave"
	"github.com/ironcore-dev/enclave-provider/internal/lcall"
	"github.com/ironcore-dev/enclave-provider/internal/metrics"
	"github.com/ironcore-dev/enclave-provider/internal/segment"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
	"k8s.io/apimachinery/pkg/util/wait"
)

// kernel holds the channels of a booted enclave kernel.
type kernel struct {
	target   *boot.Target
	control  *xbuf.Channel
	segment  *segment.Endpoint
	longcall *longcallRunner
}

type longcallRunner struct {
	svc    *lcall.Service
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *longcallRunner) stop() error {
	err := r.svc.Close()
	r.cancel()
	<-r.done
	return err
}

type Controller struct {
	log     logr.Logger
	m       *Manager
	enclave *enclave.Enclave

	// mu is the dispatch lock. Every command and lifecycle transition holds it.
	mu     sync.Mutex
	kernel atomic.Pointer[kernel]

	recordMu sync.Mutex
	record   *api.Enclave
}

func newController(m *Manager, e *enclave.Enclave, record *api.Enclave) *Controller {
	return &Controller{
		log:     m.log.WithValues("enclave", e.ID()),
		m:       m,
		enclave: e,
		record:  record,
	}
}

func (c *Controller) ID() int {
	return c.enclave.ID()
}

func (c *Controller) State() api.EnclaveState {
	return c.enclave.State()
}

// Release drops the reference obtained from the Manager.
func (c *Controller) Release() {
	c.enclave.Release()
}

// Snapshot returns the enclave as it is currently known to the host.
func (c *Controller) Snapshot() *api.Enclave {
	c.recordMu.Lock()
	rec := *c.record
	c.recordMu.Unlock()

	if env, ok := c.enclave.BootEnvironment(); ok {
		rec.Spec.Boot = &env
	} else {
		rec.Spec.Boot = nil
	}
	rec.Status = c.enclave.Status()
	return &rec
}

func (c *Controller) setLabel(key, value string) {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()

	labels := maps.Clone(c.record.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[key] = value
	c.record.Labels = labels
}

// persist writes the current snapshot to the store. Failures are logged only, the store is
// informational.
func (c *Controller) persist(ctx context.Context) {
	updated, err := c.m.store.Update(ctx, c.Snapshot())
	if err != nil {
		c.log.Error(err, "Failed to persist enclave")
		return
	}

	c.recordMu.Lock()
	defer c.recordMu.Unlock()
	c.record = updated
}

func (c *Controller) observe(op string, start time.Time, err *error) {
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		metrics.OperationErrors.WithLabelValues(op, string(Classify(*err))).Inc()
		c.log.V(1).Info("Operation failed", "operation", op, "error", (*err).Error())
	}
}

func (c *Controller) requireRunning() error {
	if state := c.enclave.State(); state != api.EnclaveStateRunning {
		return fmt.Errorf("enclave %d is %s: %w", c.ID(), state, ErrNotRunning)
	}
	return nil
}

func (c *Controller) setState(state api.EnclaveState) error {
	old := c.enclave.State()
	if err := c.enclave.SetState(state); err != nil {
		return convertResourceError(err)
	}
	if old != state {
		metrics.Enclaves.WithLabelValues(string(old)).Dec()
		metrics.Enclaves.WithLabelValues(string(state)).Inc()
	}
	return nil
}

// call sends one command on the control channel. The caller holds the dispatch lock.
func (c *Controller) call(ctx context.Context, cmd wire.CommandID, payload any) (int64, error) {
	msg, err := wire.EncodeCommand(cmd, payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	k := c.kernel.Load()
	if k == nil {
		return 0, fmt.Errorf("%s: %w: %w", cmd, ErrTransport, xbuf.ErrNotReady)
	}

	resp, err := k.control.Call(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", cmd, ErrTransport, err)
	}

	status, _, err := wire.DecodeResponse(resp)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", cmd, ErrProtocol, err)
	}
	if status < 0 {
		return status, &RemoteError{Command: cmd, Status: status}
	}

	c.log.V(1).Info("Executed command", "command", cmd, "status", status)
	return status, nil
}

// Launch boots the enclave on env. The boot CPU and boot memory are claimed for the enclave and
// released again if the kernel does not come up.
func (c *Controller) Launch(ctx context.Context, env api.BootEnvironment) (err error) {
	defer c.observe("launch", time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if state := c.enclave.State(); state != api.EnclaveStateLoaded {
		return fmt.Errorf("enclave %d is %s: %w", c.ID(), state, ErrInvalidState)
	}
	if err := enclave.CheckBootEnvironment(env); err != nil {
		return convertResourceError(err)
	}
	if err := c.m.opts.Layout.Validate(env.Size()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := c.enclave.SetBoot(env); err != nil {
		return convertResourceError(err)
	}

	id := c.ID()
	reserved := false
	rollback := func() {
		if reserved {
			if err := c.m.memory.Release(env.BaseAddr); err != nil {
				c.log.Error(err, "Failed to release boot memory")
			}
		}
		c.m.inventory.ReleaseAll(id)
		c.enclave.ClearBoot()
	}

	if err := c.m.inventory.ClaimCPU(id, env.CPU); err != nil {
		rollback()
		return convertResourceError(err)
	}
	if err := c.m.inventory.ClaimMemory(id, env.BaseAddr, env.Size()); err != nil {
		rollback()
		return convertResourceError(err)
	}
	if err := c.m.memory.Reserve(env.BaseAddr, env.Size()); err != nil {
		rollback()
		return convertResourceError(err)
	}
	reserved = true

	if err := c.bootKernel(ctx); err != nil {
		rollback()
		return err
	}
	if err := c.setState(api.EnclaveStateRunning); err != nil {
		return err
	}

	c.setLabel(api.BootCPULabel, strconv.FormatUint(env.CPU, 10))
	c.persist(ctx)
	c.log.Info("Launched enclave", "bootCPU", env.CPU, "memory", api.MemoryBlock{BaseAddr: env.BaseAddr, Pages: env.Size() / api.PageSize})
	return nil
}

// Reset reboots a running enclave and hands it every resource it had before, except for the
// boot resources which are part of the boot environment. Resources the new kernel rejects are
// dropped.
func (c *Controller) Reset(ctx context.Context) (result *api.ReplayResult, err error) {
	defer c.observe("reset", time.Now(), &err)

	// Unblock a command that is stuck on the old kernel before waiting for the dispatch lock.
	c.disableChannels()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return nil, err
	}

	c.stopKernel(ctx)
	for _, dev := range c.enclave.PCIDevices() {
		if err := c.m.devices.Reset(dev); err != nil {
			c.log.Error(err, "Failed to reset pci device", "device", dev.Name)
		}
	}

	if err := c.bootKernel(ctx); err != nil {
		return nil, err
	}
	if err := c.setState(api.EnclaveStateRunning); err != nil {
		return nil, err
	}

	result = c.replay(ctx)
	c.persist(ctx)
	c.log.Info("Reset enclave",
		"memory", len(result.Memory), "cpus", len(result.CPUs), "pciDevices", len(result.PCIDevices),
		"dropped", len(result.DroppedMemory)+len(result.DroppedCPUs)+len(result.DroppedPCIDevices))
	return result, nil
}

func (c *Controller) replay(ctx context.Context) *api.ReplayResult {
	plan := c.enclave.ReplayPlan()
	result := &api.ReplayResult{}

	for _, block := range plan.Memory {
		if _, err := c.call(ctx, wire.CmdAddMemory, wire.MemAdd{PhysAddr: block.BaseAddr, Size: block.Size()}); err != nil {
			c.log.Error(err, "Dropping memory block that could not be replayed", "block", block)
			c.dropMemory(block)
			metrics.ReplayFailures.Inc()
			result.DroppedMemory = append(result.DroppedMemory, block)
			continue
		}
		result.Memory = append(result.Memory, block)
	}

	for _, cpu := range plan.CPUs {
		if err := c.sendCPU(ctx, cpu); err != nil {
			c.log.Error(err, "Dropping cpu that could not be replayed", "cpu", cpu)
			c.dropCPU(cpu)
			metrics.ReplayFailures.Inc()
			result.DroppedCPUs = append(result.DroppedCPUs, cpu)
			continue
		}
		result.CPUs = append(result.CPUs, cpu)
	}

	for _, dev := range plan.PCIDevices {
		if err := c.sendPCI(ctx, dev); err != nil {
			c.log.Error(err, "Dropping pci device that could not be replayed", "device", dev.Name)
			c.dropPCI(dev)
			metrics.ReplayFailures.Inc()
			result.DroppedPCIDevices = append(result.DroppedPCIDevices, dev)
			continue
		}
		result.PCIDevices = append(result.PCIDevices, dev)
	}
	return result
}

// Free stops the enclave and returns all of its resources to the host. The enclave itself is
// released once the last reference to it is dropped.
func (c *Controller) Free(ctx context.Context) (err error) {
	defer c.observe("free", time.Now(), &err)

	c.disableChannels()

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.enclave.State()
	if state == api.EnclaveStateDead {
		return fmt.Errorf("enclave %d is %s: %w", c.ID(), state, ErrInvalidState)
	}

	if state == api.EnclaveStateRunning {
		c.stopKernel(ctx)

		for _, dev := range c.enclave.PCIDevices() {
			if err := c.m.devices.Release(dev); err != nil {
				c.log.Error(err, "Failed to release pci device", "device", dev.Name)
			}
		}
		for _, block := range c.enclave.Memory() {
			if block.Boot {
				continue
			}
			if err := c.m.memory.Release(block.BaseAddr); err != nil {
				c.log.Error(err, "Failed to release memory", "block", block)
			}
		}
		if env, ok := c.enclave.BootEnvironment(); ok {
			if err := c.m.memory.Release(env.BaseAddr); err != nil {
				c.log.Error(err, "Failed to release boot memory")
			}
		}
	}
	c.m.inventory.ReleaseAll(c.ID())

	if err := c.setState(api.EnclaveStateDead); err != nil {
		return err
	}
	c.m.forget(ctx, c)
	c.log.Info("Freed enclave")

	// Drop the reference the manager held since creation.
	c.enclave.Release()
	return nil
}

func (c *Controller) bootKernel(ctx context.Context) error {
	env, ok := c.enclave.BootEnvironment()
	if !ok {
		return fmt.Errorf("enclave %d has no boot environment: %w", c.ID(), ErrInvalidState)
	}

	t := &boot.Target{
		EnclaveID: c.ID(),
		Image:     c.enclave.Image(),
		Env:       env,
		HostCore:  c.m.opts.HostCore,
		Layout:    c.m.opts.Layout,
	}
	params, err := boot.NewParams(t)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	mem, err := c.m.memory.Map(env.BaseAddr, env.Size())
	if err != nil {
		return fmt.Errorf("failed to map boot memory: %w", err)
	}
	clear(mem)
	if err := params.Write(mem); err != nil {
		return err
	}
	buffer := func(addr, size uint64) []byte {
		off := addr - env.BaseAddr
		return mem[off : off+size : off+size]
	}

	k := &kernel{target: t}
	ok = false
	defer func() {
		if !ok {
			c.closeKernel(ctx, k, false)
		}
	}()

	if k.longcall, err = c.startLongcall(buffer(params.LongcallBufAddr, params.LongcallBufSize)); err != nil {
		return err
	}

	if err := c.m.booter.Boot(ctx, t); err != nil {
		return fmt.Errorf("%w: failed to boot enclave: %w", ErrTransport, err)
	}

	k.control, err = xbuf.NewInitiator(buffer(params.ControlBufAddr, params.ControlBufSize), xbuf.HostSide, c.m.irq, nil,
		c.m.channelOptions(fmt.Sprintf("enclave-%d-control", c.ID())))
	if err != nil {
		c.stopBooter(ctx, t)
		return fmt.Errorf("failed to attach control channel: %w", err)
	}

	k.segment, err = segment.NewEndpoint(c.log.WithName("segment"), buffer(params.SegmentBufAddr, params.SegmentBufSize), c.m.irq, uint32(env.CPU),
		c.m.channelOptions(fmt.Sprintf("enclave-%d-segment", c.ID())))
	if err != nil {
		c.stopBooter(ctx, t)
		return err
	}

	if err := wait.PollUntilContextTimeout(ctx, c.m.opts.ReadyPollInterval, c.m.opts.BootTimeout, true, func(context.Context) (bool, error) {
		return k.control.Ready() && k.segment.Channel().Ready(), nil
	}); err != nil {
		c.stopBooter(ctx, t)
		return fmt.Errorf("%w: enclave did not open its channels: %w", ErrTransport, err)
	}

	ok = true
	c.kernel.Store(k)
	c.log.V(1).Info("Enclave kernel is up", "bootCPU", env.CPU)
	return nil
}

func (c *Controller) startLongcall(mem []byte) (*longcallRunner, error) {
	log := c.log.WithName("longcall")
	svc, err := lcall.NewService(log, c.ID(), mem, c.m.irq, c.m.opts.HostCore, c.m.longcalls, lcall.Options{
		Workers: c.m.opts.LongcallWorkers,
		Channel: c.m.channelOptions(fmt.Sprintf("enclave-%d-longcall", c.ID())),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(logr.NewContext(context.Background(), log))
	r := &longcallRunner{svc: svc, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		svc.Start(ctx)
	}()
	return r, nil
}

func (c *Controller) stopBooter(ctx context.Context, t *boot.Target) {
	if err := c.m.booter.Stop(ctx, t); err != nil {
		c.log.Error(err, "Failed to stop enclave kernel")
	}
}

// disableChannels aborts every transaction with the current kernel. It does not need the
// dispatch lock.
func (c *Controller) disableChannels() {
	k := c.kernel.Load()
	if k == nil {
		return
	}
	k.control.Disable()
	k.segment.Channel().Disable()
	k.longcall.svc.Channel().Disable()
}

func (c *Controller) stopKernel(ctx context.Context) {
	k := c.kernel.Swap(nil)
	if k == nil {
		return
	}
	c.closeKernel(ctx, k, true)
}

func (c *Controller) closeKernel(ctx context.Context, k *kernel, booted bool) {
	if booted {
		c.stopBooter(ctx, k.target)
	}
	if k.segment != nil {
		if err := k.segment.Close(); err != nil {
			c.log.Error(err, "Failed to close segment channel")
		}
	}
	if k.control != nil {
		if err := k.control.Close(); err != nil {
			c.log.Error(err, "Failed to close control channel")
		}
	}
	if k.longcall != nil {
		if err := k.longcall.stop(); err != nil {
			c.log.Error(err, "Failed to close longcall channel")
		}
	}
}
