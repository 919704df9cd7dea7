// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package enclave models the resources assigned to an enclave as acknowledged by it.
package enclave

import (
	"fmt"
	"math/bits"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ironcore-dev/enclave-provider/api"
	"k8s.io/apimachinery/pkg/util/sets"
)

// MaxBootBlocks bounds the number of memory blocks of a boot environment.
const MaxBootBlocks = 4096

// Enclave is the host side record of one enclave. Resource lists are kept in the order the
// enclave has to learn about them again after a reset.
type Enclave struct {
	id    int
	image api.EnclaveImage

	mu     sync.RWMutex
	state  api.EnclaveState
	boot   *api.BootEnvironment
	cpus   []uint64
	cpuSet sets.Set[uint64]
	memory []api.MemoryBlock
	pci    []api.PCIDevice

	refs      atomic.Int32
	destroyed atomic.Bool
	finalize  func(*Enclave)
}

// New returns a Loaded enclave holding one reference. finalize runs once the last reference
// is released.
func New(id int, image api.EnclaveImage, finalize func(*Enclave)) *Enclave {
	e := &Enclave{
		id:       id,
		image:    image,
		state:    api.EnclaveStateLoaded,
		cpuSet:   sets.New[uint64](),
		finalize: finalize,
	}
	e.refs.Store(1)
	return e
}

func (e *Enclave) ID() int {
	return e.id
}

func (e *Enclave) Image() api.EnclaveImage {
	return e.image
}

func (e *Enclave) State() api.EnclaveState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Enclave) BootEnvironment() (api.BootEnvironment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.boot == nil {
		return api.BootEnvironment{}, false
	}
	return *e.boot, true
}

// SetState moves the enclave along Loaded -> Running -> Dead. Running -> Running is a reset.
func (e *Enclave) SetState(state api.EnclaveState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.state == api.EnclaveStateDead,
		state == api.EnclaveStateLoaded,
		state == api.EnclaveStateRunning && e.state != api.EnclaveStateLoaded && e.state != api.EnclaveStateRunning:
		return fmt.Errorf("%s -> %s: %w", e.state, state, ErrInvalidTransition)
	}
	e.state = state
	return nil
}

// SetBoot records the boot CPU and the boot memory blocks of env.
func (e *Enclave) SetBoot(env api.BootEnvironment) ([]api.MemoryBlock, error) {
	if err := CheckBootEnvironment(env); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.boot != nil {
		return nil, fmt.Errorf("boot environment: %w", ErrDuplicate)
	}

	blocks := make([]api.MemoryBlock, 0, env.NumBlocks)
	for i := range env.NumBlocks {
		blocks = append(blocks, api.MemoryBlock{
			BaseAddr: env.BaseAddr + i*env.BlockSize,
			Pages:    env.BlockSize / api.PageSize,
			Boot:     true,
		})
	}
	for _, b := range blocks {
		if err := e.checkMemory(b); err != nil {
			return nil, err
		}
	}
	if e.cpuSet.Has(env.CPU) {
		return nil, fmt.Errorf("cpu %d: %w", env.CPU, ErrDuplicate)
	}

	for _, b := range blocks {
		e.insertMemory(b)
	}
	e.cpus = append(e.cpus, env.CPU)
	e.cpuSet.Insert(env.CPU)
	e.boot = &env
	return blocks, nil
}

// ClearBoot forgets the boot environment and its resources.
func (e *Enclave) ClearBoot() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.boot == nil {
		return
	}
	e.memory = slices.DeleteFunc(e.memory, func(b api.MemoryBlock) bool { return b.Boot })
	e.cpus = slices.DeleteFunc(e.cpus, func(cpu uint64) bool { return cpu == e.boot.CPU })
	e.cpuSet.Delete(e.boot.CPU)
	e.boot = nil
}

func (e *Enclave) HasCPU(cpu uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cpuSet.Has(cpu)
}

func (e *Enclave) AddCPU(cpu uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cpuSet.Has(cpu) {
		return fmt.Errorf("cpu %d: %w", cpu, ErrDuplicate)
	}
	e.cpus = append(e.cpus, cpu)
	e.cpuSet.Insert(cpu)
	return nil
}

func (e *Enclave) RemoveCPU(cpu uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cpuSet.Has(cpu) {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNotFound)
	}
	if e.boot != nil && e.boot.CPU == cpu {
		return fmt.Errorf("cpu %d: %w", cpu, ErrBootResource)
	}
	e.cpus = slices.DeleteFunc(e.cpus, func(c uint64) bool { return c == cpu })
	e.cpuSet.Delete(cpu)
	return nil
}

// AddMemory inserts block keeping the list sorted by base address. Blocks that overlap an
// assigned block are rejected as duplicates.
func (e *Enclave) AddMemory(block api.MemoryBlock) error {
	if err := checkRange(block.BaseAddr, block.Pages); err != nil {
		return err
	}
	block.Boot = false

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkMemory(block); err != nil {
		return err
	}
	e.insertMemory(block)
	return nil
}

func (e *Enclave) RemoveMemory(base uint64) (api.MemoryBlock, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := slices.IndexFunc(e.memory, func(b api.MemoryBlock) bool { return b.BaseAddr == base })
	if idx < 0 {
		return api.MemoryBlock{}, fmt.Errorf("memory block at 0x%x: %w", base, ErrNotFound)
	}
	block := e.memory[idx]
	if block.Boot {
		return api.MemoryBlock{}, fmt.Errorf("memory block %s: %w", block, ErrBootResource)
	}
	e.memory = slices.Delete(e.memory, idx, idx+1)
	return block, nil
}

// CheckBootEnvironment validates env without touching any enclave.
func CheckBootEnvironment(env api.BootEnvironment) error {
	if env.NumBlocks == 0 || env.NumBlocks > MaxBootBlocks || env.BlockSize == 0 || env.BlockSize%api.PageSize != 0 {
		return fmt.Errorf("boot environment with %d blocks of %d bytes: %w", env.NumBlocks, env.BlockSize, ErrInvalidResource)
	}
	hi, size := bits.Mul64(env.BlockSize, env.NumBlocks)
	if hi != 0 {
		return fmt.Errorf("boot environment with %d blocks of %d bytes: %w", env.NumBlocks, env.BlockSize, ErrInvalidResource)
	}
	return checkRange(env.BaseAddr, size/api.PageSize)
}

// checkRange rejects page ranges that are unaligned, empty or reach past the address space.
func checkRange(base, pages uint64) error {
	if pages == 0 || base%api.PageSize != 0 {
		return fmt.Errorf("memory block at 0x%x with %d pages: %w", base, pages, ErrInvalidResource)
	}
	hi, size := bits.Mul64(pages, api.PageSize)
	if hi != 0 {
		return fmt.Errorf("memory block at 0x%x with %d pages: %w", base, pages, ErrInvalidResource)
	}
	if _, carry := bits.Add64(base, size, 0); carry != 0 {
		return fmt.Errorf("memory block at 0x%x with %d pages exceeds the address space: %w", base, pages, ErrInvalidResource)
	}
	return nil
}

func (e *Enclave) checkMemory(block api.MemoryBlock) error {
	for _, b := range e.memory {
		if b.Overlaps(block) {
			return fmt.Errorf("memory block %s overlaps %s: %w", block, b, ErrDuplicate)
		}
	}
	return nil
}

func (e *Enclave) insertMemory(block api.MemoryBlock) {
	idx, _ := slices.BinarySearchFunc(e.memory, block.BaseAddr, func(b api.MemoryBlock, base uint64) int {
		switch {
		case b.BaseAddr < base:
			return -1
		case b.BaseAddr > base:
			return 1
		}
		return 0
	})
	e.memory = slices.Insert(e.memory, idx, block)
}

func (e *Enclave) AddPCIDevice(dev api.PCIDevice) error {
	if dev.Name == "" {
		return fmt.Errorf("pci device without name: %w", ErrInvalidResource)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range e.pci {
		if d.Name == dev.Name || d.Address() == dev.Address() {
			return fmt.Errorf("pci device %s (%s): %w", dev.Name, dev.Address(), ErrDuplicate)
		}
	}
	e.pci = append(e.pci, dev)
	return nil
}

func (e *Enclave) RemovePCIDevice(name string) (api.PCIDevice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := slices.IndexFunc(e.pci, func(d api.PCIDevice) bool { return d.Name == name })
	if idx < 0 {
		return api.PCIDevice{}, fmt.Errorf("pci device %s: %w", name, ErrNotFound)
	}
	dev := e.pci[idx]
	e.pci = slices.Delete(e.pci, idx, idx+1)
	return dev, nil
}

func (e *Enclave) PCIDevice(name string) (api.PCIDevice, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	idx := slices.IndexFunc(e.pci, func(d api.PCIDevice) bool { return d.Name == name })
	if idx < 0 {
		return api.PCIDevice{}, false
	}
	return e.pci[idx], true
}

func (e *Enclave) CPUs() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.cpus)
}

func (e *Enclave) Memory() []api.MemoryBlock {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.memory)
}

func (e *Enclave) PCIDevices() []api.PCIDevice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.pci)
}

// ReplayPlan lists what a freshly rebooted enclave has to be told again: memory blocks in
// ascending order, then CPUs and PCI devices in assignment order. Boot resources are part of the
// boot environment and are not replayed.
type ReplayPlan struct {
	Memory     []api.MemoryBlock
	CPUs       []uint64
	PCIDevices []api.PCIDevice
}

func (e *Enclave) ReplayPlan() ReplayPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var plan ReplayPlan
	for _, b := range e.memory {
		if !b.Boot {
			plan.Memory = append(plan.Memory, b)
		}
	}
	for _, cpu := range e.cpus {
		if e.boot == nil || cpu != e.boot.CPU {
			plan.CPUs = append(plan.CPUs, cpu)
		}
	}
	plan.PCIDevices = slices.Clone(e.pci)
	return plan
}

func (e *Enclave) Status() api.EnclaveStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return api.EnclaveStatus{
		State:      e.state,
		CPUs:       slices.Clone(e.cpus),
		Memory:     slices.Clone(e.memory),
		PCIDevices: slices.Clone(e.pci),
	}
}

// Acquire takes a reference. It fails once the last reference was released.
func (e *Enclave) Acquire() error {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return fmt.Errorf("enclave %d: %w", e.id, ErrReleased)
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference and runs the finalizer when it was the last one.
func (e *Enclave) Release() {
	if e.refs.Add(-1) != 0 {
		return
	}
	if e.destroyed.CompareAndSwap(false, true) && e.finalize != nil {
		e.finalize(e)
	}
}

func (e *Enclave) Refs() int32 {
	return e.refs.Load()
}
