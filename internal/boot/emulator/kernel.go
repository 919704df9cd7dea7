// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package emulator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/boot"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ConsoleBase is where the console ring of the first VM is reported.
const ConsoleBase uint64 = 0x7f000000

const statusFailed int64 = -1

// Kernel answers control commands the way an enclave kernel acknowledges them. It keeps just
// enough state to reject what a real kernel would reject.
type Kernel struct {
	log    logr.Logger
	params boot.Params

	control  *xbuf.Channel
	longcall *xbuf.Channel
	segment  *xbuf.Channel

	mu       sync.Mutex
	cpus     sets.Set[uint64]
	memory   []api.MemoryBlock
	pci      sets.Set[string]
	vms      map[uint32]string
	nextVM   uint32
	nextJob  int64
	files    map[string]string
	received []wire.CommandID
	segments [][]byte
	reject   map[wire.CommandID]int64
	hold     sets.Set[wire.CommandID]
	down     bool
}

func newKernel(log logr.Logger, params boot.Params) *Kernel {
	return &Kernel{
		log:    log,
		params: params,
		cpus:   sets.New(params.BootCPU),
		memory: []api.MemoryBlock{{BaseAddr: params.MemBase, Pages: params.MemSize / api.PageSize, Boot: true}},
		pci:    sets.New[string](),
		vms:    make(map[uint32]string),
		files:  make(map[string]string),
		reject: make(map[wire.CommandID]int64),
		hold:   sets.New[wire.CommandID](),
	}
}

func (k *Kernel) Params() boot.Params {
	return k.params
}

// Reject makes the kernel answer every later cmd with status.
func (k *Kernel) Reject(cmd wire.CommandID, status int64) {
	k.Answer(cmd, status)
}

// Answer makes the kernel acknowledge every later cmd with status without executing it.
func (k *Kernel) Answer(cmd wire.CommandID, status int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reject[cmd] = status
}

// Accept undoes Reject.
func (k *Kernel) Accept(cmd wire.CommandID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.reject, cmd)
}

// Hold makes the kernel take every later cmd without ever completing it.
func (k *Kernel) Hold(cmd wire.CommandID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hold.Insert(cmd)
}

// Received returns the commands in the order they arrived.
func (k *Kernel) Received() []wire.CommandID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.received)
}

func (k *Kernel) CPUs() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return sets.List(k.cpus)
}

func (k *Kernel) Memory() []api.MemoryBlock {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.memory)
}

// SegmentCommands returns the payloads received on the segment channel.
func (k *Kernel) SegmentCommands() [][]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.segments)
}

func (k *Kernel) ShutDown() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.down
}

// Longcall calls into the host on the longcall channel.
func (k *Kernel) Longcall(ctx context.Context, id wire.LongcallID, payload []byte) (int64, []byte, error) {
	resp, err := k.longcall.Call(ctx, wire.EncodeLongcall(id, payload))
	if err != nil {
		return 0, nil, err
	}
	return wire.DecodeResponse(resp)
}

func (k *Kernel) HandleMessage(ch *xbuf.Channel, payload []byte) {
	status, resp, held := k.dispatch(payload)
	if held {
		return
	}
	if err := ch.Complete(wire.EncodeResponse(status, resp)); err != nil {
		k.log.Error(err, "Failed to complete command")
	}
}

func (k *Kernel) dispatch(msg []byte) (int64, []byte, bool) {
	cmd, payload, err := wire.DecodeCommand(msg)
	if err != nil {
		k.log.Error(err, "Dropping malformed command")
		return statusFailed, nil, false
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.received = append(k.received, cmd)
	log := k.log.WithValues("command", cmd)
	if k.hold.Has(cmd) {
		log.V(1).Info("Holding command")
		return 0, nil, true
	}
	if status, ok := k.reject[cmd]; ok {
		log.V(1).Info("Answering command without executing it", "status", status)
		return status, nil, false
	}

	status, err := k.execute(cmd, payload)
	if err != nil {
		log.V(1).Info("Command failed", "error", err.Error())
		return statusFailed, nil, false
	}
	log.V(1).Info("Executed command", "status", status)
	return status, nil, false
}

func (k *Kernel) execute(cmd wire.CommandID, payload []byte) (int64, error) {
	switch cmd {
	case wire.CmdAddCPU:
		var req wire.CPUAdd
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		if k.cpus.Has(req.PhysCPUID) {
			return 0, fmt.Errorf("cpu %d is already online", req.PhysCPUID)
		}
		k.cpus.Insert(req.PhysCPUID)

	case wire.CmdRemoveCPU:
		var req wire.CPUAdd
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		if !k.cpus.Has(req.PhysCPUID) || req.PhysCPUID == k.params.BootCPU {
			return 0, fmt.Errorf("cpu %d cannot be offlined", req.PhysCPUID)
		}
		k.cpus.Delete(req.PhysCPUID)

	case wire.CmdAddMemory:
		var req wire.MemAdd
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		block := api.MemoryBlock{BaseAddr: req.PhysAddr, Pages: req.Size / api.PageSize}
		if block.Pages == 0 || slices.ContainsFunc(k.memory, block.Overlaps) {
			return 0, fmt.Errorf("memory %s cannot be added", block)
		}
		k.memory = append(k.memory, block)

	case wire.CmdRemoveMem:
		return 0, fmt.Errorf("memory cannot be removed")

	case wire.CmdAddPCI:
		var req wire.AddPCI
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		name := wire.String(req.Spec.Name[:])
		if k.pci.Has(name) {
			return 0, fmt.Errorf("pci device %s is already attached", name)
		}
		k.pci.Insert(name)

	case wire.CmdFreePCI:
		var req wire.PCISpec
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		name := wire.String(req.Name[:])
		if !k.pci.Has(name) {
			return 0, fmt.Errorf("pci device %s is not attached", name)
		}
		k.pci.Delete(name)

	case wire.CmdCreateVM:
		var req wire.VMPath
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		id := k.nextVM
		k.nextVM++
		k.vms[id] = wire.String(req.VMName[:])
		return int64(id), nil

	case wire.CmdLaunchVM, wire.CmdStopVM, wire.CmdPauseVM, wire.CmdContinueVM, wire.CmdSimulateVM, wire.CmdVMConsoleDisconnect:
		if _, err := k.vm(payload); err != nil {
			return 0, err
		}

	case wire.CmdFreeVM:
		id, err := k.vm(payload)
		if err != nil {
			return 0, err
		}
		delete(k.vms, id)

	case wire.CmdVMConsoleConnect:
		id, err := k.vm(payload)
		if err != nil {
			return 0, err
		}
		return int64(ConsoleBase + uint64(id)*api.PageSize), nil

	case wire.CmdVMConsoleKeycode:
		var req wire.VMConsoleKeycode
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		if _, ok := k.vms[req.VMID]; !ok {
			return 0, fmt.Errorf("vm %d does not exist", req.VMID)
		}

	case wire.CmdVMDebug, wire.CmdVMMoveCore:
		var req wire.DebugSpec
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		if _, ok := k.vms[req.VMID]; !ok {
			return 0, fmt.Errorf("vm %d does not exist", req.VMID)
		}

	case wire.CmdLaunchJob:
		var req wire.JobSpec
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		if wire.String(req.ExePath[:]) == "" {
			return 0, fmt.Errorf("job without executable")
		}
		k.nextJob++
		return k.nextJob, nil

	case wire.CmdLoadFile:
		var req wire.FilePair
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		k.files[wire.String(req.EnclaveFile[:])] = wire.String(req.HostFile[:])

	case wire.CmdStoreFile:
		var req wire.FilePair
		if err := wire.Unmarshal(payload, &req); err != nil {
			return 0, err
		}
		if _, ok := k.files[wire.String(req.EnclaveFile[:])]; !ok {
			return 0, fmt.Errorf("file %s does not exist", wire.String(req.EnclaveFile[:]))
		}

	case wire.CmdShutdown:
		k.down = true

	default:
		return 0, fmt.Errorf("unknown command")
	}
	return 0, nil
}

func (k *Kernel) vm(payload []byte) (uint32, error) {
	var req wire.VMCtrl
	if err := wire.Unmarshal(payload, &req); err != nil {
		return 0, err
	}
	if _, ok := k.vms[req.VMID]; !ok {
		return 0, fmt.Errorf("vm %d does not exist", req.VMID)
	}
	return req.VMID, nil
}

// segmentHandler acknowledges commands the host forwards on the segment channel.
func (k *Kernel) segmentHandler(ch *xbuf.Channel, payload []byte) {
	k.mu.Lock()
	k.segments = append(k.segments, slices.Clone(payload))
	k.mu.Unlock()

	if err := ch.Complete(nil); err != nil {
		k.log.Error(err, "Failed to complete segment command")
	}
}

func (k *Kernel) close() {
	for _, ch := range []*xbuf.Channel{k.control, k.longcall, k.segment} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil {
			k.log.Error(err, "Failed to close channel", "channel", ch.Name())
		}
	}
}
