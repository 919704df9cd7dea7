// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package api

import "fmt"

type Enclave struct {
	Metadata `json:"metadata,omitempty"`

	Spec   EnclaveSpec   `json:"spec"`
	Status EnclaveStatus `json:"status"`
}

type EnclaveSpec struct {
	Image EnclaveImage     `json:"image"`
	Boot  *BootEnvironment `json:"boot,omitempty"`
}

// EnclaveImage references the kernel an enclave boots. The files are opaque to the provider.
type EnclaveImage struct {
	KernelPath  string `json:"kernelPath"`
	InitrdPath  string `json:"initrdPath,omitempty"`
	CmdLine     string `json:"cmdLine,omitempty"`
	MemoryBytes uint64 `json:"memoryBytes,omitempty"`
	CPUs        uint32 `json:"cpus,omitempty"`
}

// BootEnvironment describes the resources an enclave is launched with: NumBlocks contiguous
// blocks of BlockSize bytes starting at BaseAddr, and the CPU the kernel starts on.
type BootEnvironment struct {
	BaseAddr  uint64 `json:"baseAddr"`
	BlockSize uint64 `json:"blockSize"`
	NumBlocks uint64 `json:"numBlocks"`
	CPU       uint64 `json:"cpu"`
}

func (b BootEnvironment) Size() uint64 {
	return b.BlockSize * b.NumBlocks
}

type EnclaveStatus struct {
	State      EnclaveState  `json:"state"`
	CPUs       []uint64      `json:"cpus,omitempty"`
	Memory     []MemoryBlock `json:"memory,omitempty"`
	PCIDevices []PCIDevice   `json:"pciDevices,omitempty"`
}

type EnclaveState string

const (
	EnclaveStateLoaded  EnclaveState = "Loaded"
	EnclaveStateRunning EnclaveState = "Running"
	EnclaveStateDead    EnclaveState = "Dead"
)

type MemoryBlock struct {
	BaseAddr uint64 `json:"baseAddr"`
	Pages    uint64 `json:"pages"`
	Boot     bool   `json:"boot,omitempty"`
}

func (m MemoryBlock) Size() uint64 {
	return m.Pages * PageSize
}

func (m MemoryBlock) End() uint64 {
	return m.BaseAddr + m.Size()
}

func (m MemoryBlock) Overlaps(o MemoryBlock) bool {
	return m.BaseAddr < o.End() && o.BaseAddr < m.End()
}

func (m MemoryBlock) String() string {
	return fmt.Sprintf("0x%016x-0x%016x", m.BaseAddr, m.End()-1)
}

type PCIDevice struct {
	Name     string `json:"name"`
	Bus      uint32 `json:"bus"`
	Device   uint32 `json:"device"`
	Function uint32 `json:"function"`
}

// Address returns the bus:device.function triple of the device.
func (p PCIDevice) Address() string {
	return fmt.Sprintf("%02x:%02x.%x", p.Bus, p.Device, p.Function)
}
