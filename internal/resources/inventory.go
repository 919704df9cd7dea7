// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package resources tracks which host CPUs and physical memory ranges are handed to enclaves.
package resources

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	ErrUnknownCPU    = errors.New("cpu does not exist on this host")
	ErrReservedCPU   = errors.New("cpu is reserved for the host")
	ErrCPUClaimed    = errors.New("cpu is assigned to another enclave")
	ErrMemoryClaimed = errors.New("memory range is assigned to another enclave")
	ErrEmptyRange    = errors.New("memory range is empty")
)

type Options struct {
	// CPUs overrides the number of logical CPUs detected on the host.
	CPUs int
	// ReservedCPUs are never handed to an enclave.
	ReservedCPUs []uint64
}

type memoryClaim struct {
	owner int
	base  uint64
	end   uint64
}

type Inventory struct {
	log logr.Logger

	cpus        int
	totalMemory uint64
	reserved    sets.Set[uint64]

	mu        sync.Mutex
	cpuOwners map[uint64]int
	memory    []memoryClaim
}

func NewInventory(ctx context.Context, log logr.Logger, opts Options) (*Inventory, error) {
	cpus := opts.CPUs
	if cpus <= 0 {
		n, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("failed to get host cpu information: %w", err)
		}
		cpus = n
	}

	var total uint64
	hostMem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.V(1).Info("Failed to get host memory information", "error", err.Error())
	} else {
		total = hostMem.Total
	}

	reserved := sets.New(opts.ReservedCPUs...)
	log.Info("Host resources", "cpus", cpus, "reservedCPUs", sets.List(reserved), "memoryBytes", total)

	return &Inventory{
		log:         log,
		cpus:        cpus,
		totalMemory: total,
		reserved:    reserved,
		cpuOwners:   make(map[uint64]int),
	}, nil
}

func (i *Inventory) CPUs() int {
	return i.cpus
}

func (i *Inventory) TotalMemory() uint64 {
	return i.totalMemory
}

// APICID returns the interrupt controller id of cpu. Logical CPU ids are used as APIC ids.
func (i *Inventory) APICID(cpu uint64) uint64 {
	return cpu
}

func (i *Inventory) ClaimCPU(owner int, cpu uint64) error {
	if cpu >= uint64(i.cpus) {
		return fmt.Errorf("cpu %d: %w", cpu, ErrUnknownCPU)
	}
	if i.reserved.Has(cpu) {
		return fmt.Errorf("cpu %d: %w", cpu, ErrReservedCPU)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if current, ok := i.cpuOwners[cpu]; ok && current != owner {
		return fmt.Errorf("cpu %d is assigned to enclave %d: %w", cpu, current, ErrCPUClaimed)
	}
	i.cpuOwners[cpu] = owner
	i.log.V(2).Info("Claimed cpu", "cpu", cpu, "enclave", owner)
	return nil
}

func (i *Inventory) ReleaseCPU(owner int, cpu uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if current, ok := i.cpuOwners[cpu]; ok && current == owner {
		delete(i.cpuOwners, cpu)
		i.log.V(2).Info("Released cpu", "cpu", cpu, "enclave", owner)
	}
}

func (i *Inventory) ClaimMemory(owner int, base, size uint64) error {
	if size == 0 {
		return ErrEmptyRange
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	end := base + size
	for _, c := range i.memory {
		if base < c.end && c.base < end {
			if c.owner == owner && c.base == base && c.end == end {
				return nil
			}
			return fmt.Errorf("0x%x-0x%x overlaps 0x%x-0x%x of enclave %d: %w", base, end, c.base, c.end, c.owner, ErrMemoryClaimed)
		}
	}
	i.memory = append(i.memory, memoryClaim{owner: owner, base: base, end: end})
	i.log.V(2).Info("Claimed memory", "base", base, "size", size, "enclave", owner)
	return nil
}

func (i *Inventory) ReleaseMemory(owner int, base uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.memory = slices.DeleteFunc(i.memory, func(c memoryClaim) bool {
		return c.owner == owner && c.base == base
	})
}

// ReleaseAll drops every claim of owner.
func (i *Inventory) ReleaseAll(owner int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for cpu, current := range i.cpuOwners {
		if current == owner {
			delete(i.cpuOwners, cpu)
		}
	}
	i.memory = slices.DeleteFunc(i.memory, func(c memoryClaim) bool { return c.owner == owner })
}

// FreeCPUs lists the CPUs that can still be handed to an enclave.
func (i *Inventory) FreeCPUs() []uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	var free []uint64
	for cpu := range uint64(i.cpus) {
		if _, ok := i.cpuOwners[cpu]; !ok && !i.reserved.Has(cpu) {
			free = append(free, cpu)
		}
	}
	return free
}
