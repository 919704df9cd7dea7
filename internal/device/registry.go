// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/api"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Registry is a Plugin that only tracks ownership. Devices are identified by their address.
type Registry struct {
	log logr.Logger

	mu     sync.Mutex
	owners map[string]int
	resets map[string]int
	// allowed restricts the devices that may be claimed when non-empty.
	allowed sets.Set[string]
}

func NewRegistry(log logr.Logger, allowed ...string) *Registry {
	return &Registry{
		log:     log,
		owners:  make(map[string]int),
		resets:  make(map[string]int),
		allowed: sets.New(allowed...),
	}
}

func (r *Registry) Init() error {
	r.log.V(1).Info("Initialized pci device registry", "allowed", sets.List(r.allowed))
	return nil
}

func (r *Registry) Claim(owner int, dev api.PCIDevice) error {
	addr := dev.Address()
	if r.allowed.Len() > 0 && !r.allowed.Has(addr) {
		return fmt.Errorf("pci device %s: %w", addr, ErrDeviceUnavailable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.owners[addr]; ok {
		return fmt.Errorf("pci device %s is assigned to enclave %d: %w", addr, current, ErrDeviceClaimed)
	}
	r.owners[addr] = owner
	r.log.V(1).Info("Claimed pci device", "address", addr, "enclave", owner)
	return nil
}

func (r *Registry) Release(dev api.PCIDevice) error {
	addr := dev.Address()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[addr]; !ok {
		return fmt.Errorf("pci device %s: %w", addr, ErrDeviceNotClaimed)
	}
	delete(r.owners, addr)
	r.log.V(1).Info("Released pci device", "address", addr)
	return nil
}

func (r *Registry) Reset(dev api.PCIDevice) error {
	addr := dev.Address()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[addr]; !ok {
		return fmt.Errorf("pci device %s: %w", addr, ErrDeviceNotClaimed)
	}
	r.resets[addr]++
	r.log.V(1).Info("Reset pci device", "address", addr)
	return nil
}

// Owner returns the enclave a device is assigned to.
func (r *Registry) Owner(dev api.PCIDevice) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[dev.Address()]
	return owner, ok
}

// Resets returns how often a device was reset.
func (r *Registry) Resets(dev api.PCIDevice) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets[dev.Address()]
}
