// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package boot describes how an enclave kernel is brought up on its boot resources.
package boot

import (
	"context"

	"github.com/ironcore-dev/enclave-provider/api"
)

// Target is everything a Booter needs to start or stop one enclave.
type Target struct {
	EnclaveID int
	Image     api.EnclaveImage
	Env       api.BootEnvironment
	// HostCore receives interrupts raised by the enclave.
	HostCore uint32
	Layout   Layout
}

// ParamsAddr returns the physical address of the boot parameter block.
func (t *Target) ParamsAddr() uint64 {
	return t.Env.BaseAddr
}

type Booter interface {
	// Boot starts the kernel on the boot CPU. The boot parameter block is in place when Boot is
	// called.
	Boot(ctx context.Context, t *Target) error
	Stop(ctx context.Context, t *Target) error
	// SetupTrampoline prepares the enclave's trampoline so that cpu can be started.
	SetupTrampoline(ctx context.Context, t *Target, cpu uint64) error
	RestoreTrampoline(ctx context.Context, t *Target) error
}

// AddressSpace translates physical ranges into host views.
type AddressSpace interface {
	Reserve(base, size uint64) error
	Release(base uint64) error
	Map(base, size uint64) ([]byte, error)
}
