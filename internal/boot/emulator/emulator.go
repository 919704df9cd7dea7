// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package emulator boots enclaves as in-process kernels that share the host's emulated memory
// and interrupt fabric. It is meant for development and tests.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/internal/boot"
	"github.com/ironcore-dev/enclave-provider/internal/irq"
	"github.com/ironcore-dev/enclave-provider/internal/shm"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
)

var (
	ErrAlreadyBooted = errors.New("enclave is already booted")
	ErrNotBooted     = errors.New("enclave is not booted")
)

type Options struct {
	// Channel configures the enclave side of every channel.
	Channel xbuf.Options
	// FailBoot makes Boot fail, to exercise launch error paths.
	FailBoot bool
}

type instance struct {
	kernel      *Kernel
	mapping     *shm.Mapping
	trampolines int
}

type Emulator struct {
	log  logr.Logger
	mem  *shm.Memory
	irq  irq.Controller
	opts Options

	mu        sync.Mutex
	instances map[int]*instance
	boots     map[int]int
	reject    map[wire.CommandID]int64
}

func New(log logr.Logger, mem *shm.Memory, ctrl irq.Controller, opts Options) (*Emulator, error) {
	if mem == nil {
		return nil, fmt.Errorf("must specify memory")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("must specify interrupt controller")
	}
	return &Emulator{
		log:       log,
		mem:       mem,
		irq:       ctrl,
		opts:      opts,
		instances: make(map[int]*instance),
		boots:     make(map[int]int),
		reject:    make(map[wire.CommandID]int64),
	}, nil
}

func (e *Emulator) Boot(ctx context.Context, t *boot.Target) error {
	log := e.log.WithValues("enclave", t.EnclaveID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.instances[t.EnclaveID]; ok {
		return fmt.Errorf("enclave %d: %w", t.EnclaveID, ErrAlreadyBooted)
	}
	if e.opts.FailBoot {
		return fmt.Errorf("enclave %d: kernel did not start", t.EnclaveID)
	}

	mapping, err := e.mem.MapPeer(t.Env.BaseAddr, t.Env.Size())
	if err != nil {
		return fmt.Errorf("failed to map boot memory: %w", err)
	}

	k, err := e.start(log, t, mapping)
	if err != nil {
		if k != nil {
			k.close()
		}
		if closeErr := mapping.Close(); closeErr != nil {
			log.Error(closeErr, "Failed to unmap boot memory")
		}
		return err
	}

	e.instances[t.EnclaveID] = &instance{kernel: k, mapping: mapping}
	e.boots[t.EnclaveID]++
	log.V(1).Info("Booted enclave kernel", "bootCPU", k.params.BootCPU, "cmdLine", k.params.CommandLine())
	return nil
}

func (e *Emulator) start(log logr.Logger, t *boot.Target, mapping *shm.Mapping) (*Kernel, error) {
	raw, err := mapping.Bytes(t.ParamsAddr(), boot.ParamsSize)
	if err != nil {
		return nil, err
	}
	params, err := boot.ReadParams(raw)
	if err != nil {
		return nil, err
	}

	k := newKernel(log.WithName("kernel"), params)
	maps.Copy(k.reject, e.reject)
	opts := func(name string) xbuf.Options {
		o := e.opts.Channel
		o.Name = fmt.Sprintf("enclave-%d-%s", t.EnclaveID, name)
		o.Log = log.WithName("xbuf")
		return o
	}

	controlMem, err := mapping.Bytes(params.ControlBufAddr, params.ControlBufSize)
	if err != nil {
		return k, err
	}
	if k.control, err = xbuf.NewResponder(controlMem, xbuf.EnclaveSide, e.irq, uint32(params.BootCPU), k, opts("control")); err != nil {
		return k, fmt.Errorf("failed to create control channel: %w", err)
	}

	longcallMem, err := mapping.Bytes(params.LongcallBufAddr, params.LongcallBufSize)
	if err != nil {
		return k, err
	}
	if k.longcall, err = xbuf.NewInitiator(longcallMem, xbuf.EnclaveSide, e.irq, nil, opts("longcall")); err != nil {
		return k, fmt.Errorf("failed to attach longcall channel: %w", err)
	}

	segmentMem, err := mapping.Bytes(params.SegmentBufAddr, params.SegmentBufSize)
	if err != nil {
		return k, err
	}
	if k.segment, err = xbuf.NewResponder(segmentMem, xbuf.EnclaveSide, e.irq, uint32(params.BootCPU), xbuf.HandlerFunc(k.segmentHandler), opts("segment")); err != nil {
		return k, fmt.Errorf("failed to create segment channel: %w", err)
	}
	return k, nil
}

func (e *Emulator) Stop(_ context.Context, t *boot.Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[t.EnclaveID]
	if !ok {
		return fmt.Errorf("enclave %d: %w", t.EnclaveID, ErrNotBooted)
	}
	delete(e.instances, t.EnclaveID)

	inst.kernel.close()
	if err := inst.mapping.Close(); err != nil {
		return fmt.Errorf("failed to unmap boot memory: %w", err)
	}
	e.log.V(1).Info("Stopped enclave kernel", "enclave", t.EnclaveID)
	return nil
}

func (e *Emulator) SetupTrampoline(_ context.Context, t *boot.Target, cpu uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[t.EnclaveID]
	if !ok {
		return fmt.Errorf("enclave %d: %w", t.EnclaveID, ErrNotBooted)
	}
	inst.trampolines++
	e.log.V(2).Info("Set up trampoline", "enclave", t.EnclaveID, "cpu", cpu)
	return nil
}

func (e *Emulator) RestoreTrampoline(_ context.Context, t *boot.Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[t.EnclaveID]
	if !ok {
		return fmt.Errorf("enclave %d: %w", t.EnclaveID, ErrNotBooted)
	}
	inst.trampolines--
	return nil
}

// Reject makes every kernel booted from now on answer cmd with status.
func (e *Emulator) Reject(cmd wire.CommandID, status int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject[cmd] = status
}

// Kernel returns the running kernel of an enclave.
func (e *Emulator) Kernel(enclaveID int) (*Kernel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[enclaveID]
	if !ok {
		return nil, false
	}
	return inst.kernel, true
}

// Boots returns how often an enclave was booted.
func (e *Emulator) Boots(enclaveID int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.boots[enclaveID]
}

// PendingTrampolines returns the number of trampoline setups not yet restored.
func (e *Emulator) PendingTrampolines(enclaveID int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[enclaveID]
	if !ok {
		return 0
	}
	return inst.trampolines
}
