// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

type CommandID uint64

const (
	CmdAddCPU     CommandID = 100
	CmdAddMemory  CommandID = 101
	CmdRemoveCPU  CommandID = 110
	CmdRemoveMem  CommandID = 111
	CmdCreateVM   CommandID = 120
	CmdFreeVM     CommandID = 121
	CmdLaunchVM   CommandID = 122
	CmdStopVM     CommandID = 123
	CmdPauseVM    CommandID = 124
	CmdContinueVM CommandID = 125
	CmdSimulateVM CommandID = 126

	CmdVMMoveCore CommandID = 140
	CmdVMDebug    CommandID = 141

	CmdVMConsoleConnect    CommandID = 150
	CmdVMConsoleDisconnect CommandID = 151
	CmdVMConsoleKeycode    CommandID = 152

	CmdAddPCI  CommandID = 180
	CmdAddSATA CommandID = 181
	CmdFreePCI CommandID = 190

	CmdLaunchJob CommandID = 200
	CmdLoadFile  CommandID = 201
	CmdStoreFile CommandID = 202

	CmdSegmentCommand CommandID = 300

	CmdShutdown CommandID = 900
)

var commandNames = map[CommandID]string{
	CmdAddCPU:              "add_cpu",
	CmdAddMemory:           "add_mem",
	CmdRemoveCPU:           "remove_cpu",
	CmdRemoveMem:           "remove_mem",
	CmdCreateVM:            "create_vm",
	CmdFreeVM:              "free_vm",
	CmdLaunchVM:            "launch_vm",
	CmdStopVM:              "stop_vm",
	CmdPauseVM:             "pause_vm",
	CmdContinueVM:          "continue_vm",
	CmdSimulateVM:          "simulate_vm",
	CmdVMMoveCore:          "vm_move_core",
	CmdVMDebug:             "vm_debug",
	CmdVMConsoleConnect:    "vm_console_connect",
	CmdVMConsoleDisconnect: "vm_console_disconnect",
	CmdVMConsoleKeycode:    "vm_console_keycode",
	CmdAddPCI:              "add_pci",
	CmdAddSATA:             "add_sata",
	CmdFreePCI:             "free_pci",
	CmdLaunchJob:           "launch_job",
	CmdLoadFile:            "load_file",
	CmdStoreFile:           "store_file",
	CmdSegmentCommand:      "segment_command",
	CmdShutdown:            "shutdown",
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint64(c))
}

type CPUAdd struct {
	PhysCPUID uint64
	APICID    uint64
}

type MemAdd struct {
	PhysAddr uint64
	Size     uint64
}

type VMPath struct {
	FileName [256]byte
	VMName   [128]byte
}

type VMCtrl struct {
	VMID uint32
}

type VMConsoleKeycode struct {
	VMID     uint32
	ScanCode uint8
}

type DebugSpec struct {
	VMID uint32
	Core uint32
	Cmd  uint32
}

type PCISpec struct {
	Name     [128]byte
	Bus      uint32
	Device   uint32
	Function uint32
}

type AddPCI struct {
	Spec            PCISpec
	DeviceIPIVector uint32
}

const (
	JobFlagLargePages uint64 = 1 << 0
	JobFlagSmartmap   uint64 = 1 << 1
)

type JobSpec struct {
	Name      [64]byte
	ExePath   [256]byte
	Argv      [256]byte
	Envp      [256]byte
	Flags     uint64
	NumRanks  uint8
	CPUMask   uint64
	HeapSize  uint64
	StackSize uint64
}

type FilePair struct {
	HostFile    [128]byte
	EnclaveFile [128]byte
}

func NewVMPath(fileName, vmName string) (VMPath, error) {
	var p VMPath
	if err := PutString(p.FileName[:], fileName); err != nil {
		return VMPath{}, err
	}
	if err := PutString(p.VMName[:], vmName); err != nil {
		return VMPath{}, err
	}
	return p, nil
}

func NewPCISpec(name string, bus, device, function uint32) (PCISpec, error) {
	s := PCISpec{Bus: bus, Device: device, Function: function}
	if err := PutString(s.Name[:], name); err != nil {
		return PCISpec{}, err
	}
	return s, nil
}

func NewFilePair(hostFile, enclaveFile string) (FilePair, error) {
	var p FilePair
	if err := PutString(p.HostFile[:], hostFile); err != nil {
		return FilePair{}, err
	}
	if err := PutString(p.EnclaveFile[:], enclaveFile); err != nil {
		return FilePair{}, err
	}
	return p, nil
}
