// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package api

// VMSpec describes a guest the enclave should create from an image file.
type VMSpec struct {
	FileName string `json:"fileName"`
	Name     string `json:"name"`
}

type VMAction string

const (
	VMActionLaunch   VMAction = "launch"
	VMActionStop     VMAction = "stop"
	VMActionPause    VMAction = "pause"
	VMActionContinue VMAction = "continue"
	VMActionSimulate VMAction = "simulate"
	VMActionFree     VMAction = "free"
)

// VMDebug is a debug directive for one core of a guest.
type VMDebug struct {
	Core uint32 `json:"core"`
	Cmd  uint32 `json:"cmd"`
}

type Job struct {
	Name       string `json:"name"`
	ExePath    string `json:"exePath"`
	Argv       string `json:"argv,omitempty"`
	Envp       string `json:"envp,omitempty"`
	LargePages bool   `json:"largePages,omitempty"`
	Smartmap   bool   `json:"smartmap,omitempty"`
	NumRanks   uint8  `json:"numRanks,omitempty"`
	CPUMask    uint64 `json:"cpuMask,omitempty"`
	HeapSize   uint64 `json:"heapSize,omitempty"`
	StackSize  uint64 `json:"stackSize,omitempty"`
}

// FileTransfer names a file on the host and its counterpart inside the enclave.
type FileTransfer struct {
	HostFile    string `json:"hostFile"`
	EnclaveFile string `json:"enclaveFile"`
}

// ReplayResult reports which resources were handed to an enclave again after a reset and which
// had to be dropped.
type ReplayResult struct {
	Memory            []MemoryBlock `json:"memory,omitempty"`
	CPUs              []uint64      `json:"cpus,omitempty"`
	PCIDevices        []PCIDevice   `json:"pciDevices,omitempty"`
	DroppedMemory     []MemoryBlock `json:"droppedMemory,omitempty"`
	DroppedCPUs       []uint64      `json:"droppedCpus,omitempty"`
	DroppedPCIDevices []PCIDevice   `json:"droppedPciDevices,omitempty"`
}

type CPURequest struct {
	CPU *uint64 `json:"cpu"`
}

type ConsoleKeyRequest struct {
	ScanCode *uint8 `json:"scanCode"`
}

type SegmentSignalRequest struct {
	Vector *uint32 `json:"vector"`
}

type VMResponse struct {
	ID uint32 `json:"id"`
}

type JobResponse struct {
	ID int64 `json:"id"`
}

type ConsoleResponse struct {
	// Address is the physical address of the console ring.
	Address uint64 `json:"address"`
}

type VersionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ErrorResponse struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	// Status is the status the enclave answered a rejected command with.
	Status *int64 `json:"status,omitempty"`
}
