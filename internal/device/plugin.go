// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"

	"github.com/ironcore-dev/enclave-provider/api"
)

var (
	ErrDeviceClaimed     = errors.New("pci device is assigned to another enclave")
	ErrDeviceNotClaimed  = errors.New("pci device is not assigned")
	ErrDeviceUnavailable = errors.New("pci device is not available for enclaves")
)

// Plugin hands PCI devices over from the host to an enclave and back.
type Plugin interface {
	Init() error
	Claim(owner int, dev api.PCIDevice) error
	Release(dev api.PCIDevice) error
	// Reset returns a device to a clean state while its enclave reboots.
	Reset(dev api.PCIDevice) error
}
