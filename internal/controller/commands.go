// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
)

// dispatch runs a command that does not change the resource model.
func (c *Controller) dispatch(ctx context.Context, op string, cmd wire.CommandID, payload any) (status int64, err error) {
	defer c.observe(op, time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return 0, err
	}
	return c.call(ctx, cmd, payload)
}

// AddCPU hands cpu to the enclave. The cpu is recorded and claimed before the enclave is asked
// and both are undone if it is not brought up.
func (c *Controller) AddCPU(ctx context.Context, cpu uint64) (err error) {
	defer c.observe("add_cpu", time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return err
	}
	if err := c.enclave.AddCPU(cpu); err != nil {
		return convertResourceError(err)
	}
	if err := c.m.inventory.ClaimCPU(c.ID(), cpu); err != nil {
		if err := c.enclave.RemoveCPU(cpu); err != nil {
			c.log.Error(err, "Failed to drop cpu", "cpu", cpu)
		}
		return convertResourceError(err)
	}

	if err := c.sendCPU(ctx, cpu); err != nil {
		c.dropCPU(cpu)
		return err
	}

	c.persist(ctx)
	return nil
}

func (c *Controller) sendCPU(ctx context.Context, cpu uint64) error {
	k := c.kernel.Load()
	if k == nil {
		return fmt.Errorf("%s: %w", wire.CmdAddCPU, ErrTransport)
	}

	if err := c.m.booter.SetupTrampoline(ctx, k.target, cpu); err != nil {
		return fmt.Errorf("%w: failed to set up trampoline for cpu %d: %w", ErrTransport, cpu, err)
	}
	defer func() {
		if err := c.m.booter.RestoreTrampoline(ctx, k.target); err != nil {
			c.log.Error(err, "Failed to restore trampoline")
		}
	}()

	_, err := c.call(ctx, wire.CmdAddCPU, wire.CPUAdd{PhysCPUID: cpu, APICID: c.m.inventory.APICID(cpu)})
	return err
}

func (c *Controller) dropCPU(cpu uint64) {
	if err := c.enclave.RemoveCPU(cpu); err != nil {
		c.log.Error(err, "Failed to drop cpu", "cpu", cpu)
	}
	c.m.inventory.ReleaseCPU(c.ID(), cpu)
}

func (c *Controller) RemoveCPU(ctx context.Context, cpu uint64) (err error) {
	defer c.observe("remove_cpu", time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return err
	}
	if !c.enclave.HasCPU(cpu) {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNotFound)
	}
	if env, ok := c.enclave.BootEnvironment(); ok && env.CPU == cpu {
		return fmt.Errorf("cpu %d is the boot cpu: %w", cpu, ErrInvalid)
	}

	if _, err := c.call(ctx, wire.CmdRemoveCPU, wire.CPUAdd{PhysCPUID: cpu, APICID: c.m.inventory.APICID(cpu)}); err != nil {
		return err
	}
	c.dropCPU(cpu)
	c.persist(ctx)
	return nil
}

// AddMemory hands a block of physical memory to the enclave.
func (c *Controller) AddMemory(ctx context.Context, block api.MemoryBlock) (err error) {
	defer c.observe("add_memory", time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return err
	}
	block.Boot = false
	if err := c.enclave.AddMemory(block); err != nil {
		return convertResourceError(err)
	}
	if err := c.m.inventory.ClaimMemory(c.ID(), block.BaseAddr, block.Size()); err != nil {
		c.forgetMemory(block)
		return convertResourceError(err)
	}
	if err := c.m.memory.Reserve(block.BaseAddr, block.Size()); err != nil {
		c.forgetMemory(block)
		c.m.inventory.ReleaseMemory(c.ID(), block.BaseAddr)
		return convertResourceError(err)
	}

	if _, err := c.call(ctx, wire.CmdAddMemory, wire.MemAdd{PhysAddr: block.BaseAddr, Size: block.Size()}); err != nil {
		c.dropMemory(block)
		return err
	}

	c.persist(ctx)
	return nil
}

func (c *Controller) dropMemory(block api.MemoryBlock) {
	c.forgetMemory(block)
	c.m.inventory.ReleaseMemory(c.ID(), block.BaseAddr)
	if err := c.m.memory.Release(block.BaseAddr); err != nil {
		c.log.Error(err, "Failed to release memory", "block", block)
	}
}

func (c *Controller) forgetMemory(block api.MemoryBlock) {
	if _, err := c.enclave.RemoveMemory(block.BaseAddr); err != nil {
		c.log.Error(err, "Failed to drop memory block", "block", block)
	}
}

// RemoveMemory always fails: enclaves cannot give memory back.
func (c *Controller) RemoveMemory(_ context.Context, base uint64) (err error) {
	defer c.observe("remove_memory", time.Now(), &err)
	return fmt.Errorf("removing memory at 0x%x: %w", base, ErrUnsupported)
}

// AddPCI passes a PCI device through to the enclave.
func (c *Controller) AddPCI(ctx context.Context, dev api.PCIDevice) (err error) {
	defer c.observe("add_pci", time.Now(), &err)

	if _, err := wire.NewPCISpec(dev.Name, dev.Bus, dev.Device, dev.Function); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return err
	}
	if err := c.enclave.AddPCIDevice(dev); err != nil {
		return convertResourceError(err)
	}
	if err := c.m.devices.Claim(c.ID(), dev); err != nil {
		if _, err := c.enclave.RemovePCIDevice(dev.Name); err != nil {
			c.log.Error(err, "Failed to drop pci device", "device", dev.Name)
		}
		return convertResourceError(err)
	}

	if err := c.sendPCI(ctx, dev); err != nil {
		c.dropPCI(dev)
		return err
	}

	c.persist(ctx)
	return nil
}

func (c *Controller) sendPCI(ctx context.Context, dev api.PCIDevice) error {
	spec, err := wire.NewPCISpec(dev.Name, dev.Bus, dev.Device, dev.Function)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	_, err = c.call(ctx, wire.CmdAddPCI, wire.AddPCI{Spec: spec})
	return err
}

func (c *Controller) dropPCI(dev api.PCIDevice) {
	if _, err := c.enclave.RemovePCIDevice(dev.Name); err != nil {
		c.log.Error(err, "Failed to drop pci device", "device", dev.Name)
	}
	if err := c.m.devices.Release(dev); err != nil {
		c.log.Error(err, "Failed to release pci device", "device", dev.Name)
	}
}

func (c *Controller) FreePCI(ctx context.Context, name string) (err error) {
	defer c.observe("free_pci", time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return err
	}
	dev, ok := c.enclave.PCIDevice(name)
	if !ok {
		return fmt.Errorf("pci device %s: %w", name, ErrNotFound)
	}
	spec, err := wire.NewPCISpec(dev.Name, dev.Bus, dev.Device, dev.Function)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if _, err := c.call(ctx, wire.CmdFreePCI, spec); err != nil {
		return err
	}
	c.dropPCI(dev)
	c.persist(ctx)
	return nil
}

// CreateVM creates a guest inside the enclave and returns its id.
func (c *Controller) CreateVM(ctx context.Context, spec api.VMSpec) (uint32, error) {
	path, err := wire.NewVMPath(spec.FileName, spec.Name)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	status, err := c.dispatch(ctx, "create_vm", wire.CmdCreateVM, path)
	if err != nil {
		return 0, err
	}
	if status > math.MaxUint32 {
		return 0, fmt.Errorf("%s returned vm id %d: %w", wire.CmdCreateVM, status, ErrProtocol)
	}
	return uint32(status), nil
}

var vmActionCommands = map[api.VMAction]wire.CommandID{
	api.VMActionLaunch:   wire.CmdLaunchVM,
	api.VMActionStop:     wire.CmdStopVM,
	api.VMActionPause:    wire.CmdPauseVM,
	api.VMActionContinue: wire.CmdContinueVM,
	api.VMActionSimulate: wire.CmdSimulateVM,
	api.VMActionFree:     wire.CmdFreeVM,
}

// ControlVM runs a lifecycle action on a guest.
func (c *Controller) ControlVM(ctx context.Context, vm uint32, action api.VMAction) error {
	cmd, ok := vmActionCommands[action]
	if !ok {
		return fmt.Errorf("vm action %q: %w", action, ErrInvalid)
	}
	_, err := c.dispatch(ctx, cmd.String(), cmd, wire.VMCtrl{VMID: vm})
	return err
}

func (c *Controller) LaunchVM(ctx context.Context, vm uint32) error {
	return c.ControlVM(ctx, vm, api.VMActionLaunch)
}

func (c *Controller) StopVM(ctx context.Context, vm uint32) error {
	return c.ControlVM(ctx, vm, api.VMActionStop)
}

func (c *Controller) PauseVM(ctx context.Context, vm uint32) error {
	return c.ControlVM(ctx, vm, api.VMActionPause)
}

func (c *Controller) ContinueVM(ctx context.Context, vm uint32) error {
	return c.ControlVM(ctx, vm, api.VMActionContinue)
}

func (c *Controller) FreeVM(ctx context.Context, vm uint32) error {
	return c.ControlVM(ctx, vm, api.VMActionFree)
}

// ConnectVMConsole returns the address of the guest's console ring.
func (c *Controller) ConnectVMConsole(ctx context.Context, vm uint32) (uint64, error) {
	status, err := c.dispatch(ctx, "vm_console_connect", wire.CmdVMConsoleConnect, wire.VMCtrl{VMID: vm})
	if err != nil {
		return 0, err
	}
	if status == 0 {
		return 0, fmt.Errorf("%s returned no console address: %w", wire.CmdVMConsoleConnect, ErrProtocol)
	}
	return uint64(status), nil
}

func (c *Controller) DisconnectVMConsole(ctx context.Context, vm uint32) error {
	_, err := c.dispatch(ctx, "vm_console_disconnect", wire.CmdVMConsoleDisconnect, wire.VMCtrl{VMID: vm})
	return err
}

func (c *Controller) SendVMConsoleKey(ctx context.Context, vm uint32, scanCode uint8) error {
	_, err := c.dispatch(ctx, "vm_console_keycode", wire.CmdVMConsoleKeycode, wire.VMConsoleKeycode{VMID: vm, ScanCode: scanCode})
	return err
}

func (c *Controller) SendVMDebug(ctx context.Context, vm uint32, debug api.VMDebug) error {
	_, err := c.dispatch(ctx, "vm_debug", wire.CmdVMDebug, wire.DebugSpec{VMID: vm, Core: debug.Core, Cmd: debug.Cmd})
	return err
}

// LaunchJob starts a job inside the enclave and returns its id.
func (c *Controller) LaunchJob(ctx context.Context, job api.Job) (int64, error) {
	spec, err := newJobSpec(job)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return c.dispatch(ctx, "launch_job", wire.CmdLaunchJob, spec)
}

func newJobSpec(job api.Job) (wire.JobSpec, error) {
	if job.ExePath == "" {
		return wire.JobSpec{}, fmt.Errorf("job %q has no executable", job.Name)
	}

	spec := wire.JobSpec{
		NumRanks:  job.NumRanks,
		CPUMask:   job.CPUMask,
		HeapSize:  job.HeapSize,
		StackSize: job.StackSize,
	}
	if job.LargePages {
		spec.Flags |= wire.JobFlagLargePages
	}
	if job.Smartmap {
		spec.Flags |= wire.JobFlagSmartmap
	}
	err := errors.Join(
		wire.PutString(spec.Name[:], job.Name),
		wire.PutString(spec.ExePath[:], job.ExePath),
		wire.PutString(spec.Argv[:], job.Argv),
		wire.PutString(spec.Envp[:], job.Envp),
	)
	return spec, err
}

// LoadFile copies a host file into the enclave.
func (c *Controller) LoadFile(ctx context.Context, transfer api.FileTransfer) error {
	return c.transferFile(ctx, "load_file", wire.CmdLoadFile, transfer)
}

// StoreFile copies a file out of the enclave onto the host.
func (c *Controller) StoreFile(ctx context.Context, transfer api.FileTransfer) error {
	return c.transferFile(ctx, "store_file", wire.CmdStoreFile, transfer)
}

func (c *Controller) transferFile(ctx context.Context, op string, cmd wire.CommandID, transfer api.FileTransfer) error {
	if transfer.HostFile == "" || transfer.EnclaveFile == "" {
		return fmt.Errorf("file transfer needs a host and an enclave file: %w", ErrInvalid)
	}
	pair, err := wire.NewFilePair(transfer.HostFile, transfer.EnclaveFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	_, err = c.dispatch(ctx, op, cmd, pair)
	return err
}

// Shutdown asks the enclave kernel to shut down. The enclave stays Running until it is reset or
// freed.
func (c *Controller) Shutdown(ctx context.Context) error {
	_, err := c.dispatch(ctx, "shutdown", wire.CmdShutdown, nil)
	return err
}

// SendSegment forwards a segment service command to the enclave.
func (c *Controller) SendSegment(ctx context.Context, cmd []byte) (err error) {
	defer c.observe("send_segment", time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return err
	}
	k := c.kernel.Load()
	if k == nil {
		return fmt.Errorf("segment channel: %w", ErrTransport)
	}
	if err := k.segment.Send(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// SignalSegment raises a segment interrupt on the enclave's boot cpu.
func (c *Controller) SignalSegment(vector uint32) (err error) {
	defer c.observe("signal_segment", time.Now(), &err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireRunning(); err != nil {
		return err
	}
	k := c.kernel.Load()
	if k == nil {
		return fmt.Errorf("segment channel: %w", ErrTransport)
	}
	if err := k.segment.Signal(vector); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
