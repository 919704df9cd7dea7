// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package controller_test

import (
	"errors"
	"math"

	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/boot/emulator"
	"github.com/ironcore-dev/enclave-provider/internal/controller"
	"github.com/ironcore-dev/enclave-provider/internal/metrics"
	"github.com/ironcore-dev/enclave-provider/internal/store"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ = Describe("Controller", func() {
	Context("lifecycle", func() {
		It("should launch an enclave on its boot environment", func(ctx SpecContext) {
			c, k := launchEnclave(ctx)

			Expect(k.Params().BootCPU).To(Equal(bootEnv.CPU))
			Expect(k.Params().CommandLine()).To(Equal(testImage.CmdLine))

			snapshot := c.Snapshot()
			Expect(snapshot.Spec.Boot).To(HaveValue(Equal(bootEnv)))
			Expect(snapshot.Status.State).To(Equal(api.EnclaveStateRunning))
			Expect(snapshot.Status.CPUs).To(Equal([]uint64{3}))
			Expect(snapshot.Status.Memory).To(Equal([]api.MemoryBlock{{BaseAddr: 0x100000, Pages: 512, Boot: true}}))
			Expect(snapshot.Labels).To(HaveKeyWithValue(api.BootCPULabel, "3"))

			record, err := enclaveStore.Get(ctx, snapshot.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status.State).To(Equal(api.EnclaveStateRunning))
		})

		It("should not launch an enclave twice", func(ctx SpecContext) {
			c, _ := launchEnclave(ctx)
			Expect(c.Launch(ctx, bootEnv)).To(MatchError(controller.ErrInvalidState))
		})

		It("should release the boot resources when the kernel does not come up", func(ctx SpecContext) {
			c, err := manager.Create(ctx, testImage)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c.Release)

			Expect(c.Launch(ctx, api.BootEnvironment{BaseAddr: 0x100000, BlockSize: api.PageSize, NumBlocks: 2, CPU: 3})).
				To(MatchError(controller.ErrInvalid))
			Expect(c.Launch(ctx, api.BootEnvironment{BaseAddr: 0x100000, BlockSize: 512 * api.PageSize, NumBlocks: 1, CPU: 0})).
				To(MatchError(controller.ErrInvalid))
			Expect(c.State()).To(Equal(api.EnclaveStateLoaded))
			Expect(inventory.FreeCPUs()).To(ContainElement(uint64(3)))
			Expect(mem.Windows()).To(BeEmpty())

			Expect(c.Launch(ctx, bootEnv)).To(Succeed())
		})

		It("should refuse boot environments that do not fit the address space", func(ctx SpecContext) {
			c, err := manager.Create(ctx, testImage)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c.Release)

			Expect(c.Launch(ctx, api.BootEnvironment{BaseAddr: 0x100000, BlockSize: 4 * api.PageSize, NumBlocks: 1<<50 + 1, CPU: 3})).
				To(MatchError(controller.ErrInvalid))
			Expect(c.State()).To(Equal(api.EnclaveStateLoaded))
			Expect(c.Snapshot().Status.CPUs).To(BeEmpty())
			Expect(mem.Windows()).To(BeEmpty())
		})

		It("should free an enclave and its resources", func(ctx SpecContext) {
			c, _ := launchEnclave(ctx)
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 256})).To(Succeed())
			Expect(c.AddCPU(ctx, 5)).To(Succeed())
			id := c.ID()

			Expect(c.Free(ctx)).To(Succeed())
			Expect(c.State()).To(Equal(api.EnclaveStateDead))
			Expect(c.Free(ctx)).To(MatchError(controller.ErrInvalidState))
			Expect(c.AddCPU(ctx, 6)).To(MatchError(controller.ErrNotRunning))

			_, ok := emu.Kernel(id)
			Expect(ok).To(BeFalse())
			Expect(mem.Windows()).To(BeEmpty())
			Expect(inventory.FreeCPUs()).To(ContainElements(uint64(3), uint64(5)))

			_, err := manager.Get(id)
			Expect(err).To(MatchError(controller.ErrNotFound))
			_, err = enclaveStore.Get(ctx, c.Snapshot().ID)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Context("state gating", func() {
		It("should reject commands for an enclave that is not running without touching the channel", func(ctx SpecContext) {
			c, err := manager.Create(ctx, testImage)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c.Release)
			signals := fabric.Signals()

			Expect(c.AddCPU(ctx, 5)).To(MatchError(controller.ErrNotRunning))
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 1})).To(MatchError(controller.ErrNotRunning))
			Expect(c.AddPCI(ctx, api.PCIDevice{Name: "nic0", Bus: 1})).To(MatchError(controller.ErrNotRunning))
			_, err = c.CreateVM(ctx, api.VMSpec{FileName: "/vm.img", Name: "vm"})
			Expect(err).To(MatchError(controller.ErrNotRunning))
			Expect(c.Shutdown(ctx)).To(MatchError(controller.ErrNotRunning))
			_, err = c.Reset(ctx)
			Expect(err).To(MatchError(controller.ErrNotRunning))
			Expect(c.SendSegment(ctx, []byte("cmd"))).To(MatchError(controller.ErrNotRunning))

			Expect(fabric.Signals()).To(Equal(signals))
			Expect(c.State()).To(Equal(api.EnclaveStateLoaded))
		})
	})

	Context("resources", func() {
		var (
			c *controller.Controller
			k *emulator.Kernel
		)

		BeforeEach(func(ctx SpecContext) {
			c, k = launchEnclave(ctx)
		})

		It("should add and remove cpus", func(ctx SpecContext) {
			Expect(c.AddCPU(ctx, 5)).To(Succeed())
			Expect(k.CPUs()).To(Equal([]uint64{3, 5}))
			Expect(emu.PendingTrampolines(c.ID())).To(BeZero())

			Expect(c.AddCPU(ctx, 5)).To(MatchError(controller.ErrDuplicate))
			Expect(c.AddCPU(ctx, 3)).To(MatchError(controller.ErrDuplicate))
			Expect(c.AddCPU(ctx, hostCore)).To(MatchError(controller.ErrInvalid))
			Expect(c.AddCPU(ctx, 64)).To(MatchError(controller.ErrInvalid))

			Expect(c.RemoveCPU(ctx, 3)).To(MatchError(controller.ErrInvalid))
			Expect(c.RemoveCPU(ctx, 7)).To(MatchError(controller.ErrNotFound))
			Expect(c.RemoveCPU(ctx, 5)).To(Succeed())
			Expect(k.CPUs()).To(Equal([]uint64{3}))
			Expect(c.Snapshot().Status.CPUs).To(Equal([]uint64{3}))
			Expect(inventory.FreeCPUs()).To(ContainElement(uint64(5)))
		})

		It("should not hand out a cpu that belongs to another enclave", func(ctx SpecContext) {
			other, err := manager.Create(ctx, testImage)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(other.Release)

			Expect(other.Launch(ctx, api.BootEnvironment{BaseAddr: 0x1000000, BlockSize: 16 * api.PageSize, NumBlocks: 1, CPU: 3})).
				To(MatchError(controller.ErrConflict))
			Expect(other.Launch(ctx, api.BootEnvironment{BaseAddr: 0x1000000, BlockSize: 16 * api.PageSize, NumBlocks: 1, CPU: 4})).
				To(Succeed())
			Expect(other.AddCPU(ctx, 3)).To(MatchError(controller.ErrConflict))
			Expect(other.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x100000, Pages: 1})).To(MatchError(controller.ErrConflict))

			nic := api.PCIDevice{Name: "nic0", Bus: 3}
			Expect(c.AddPCI(ctx, nic)).To(Succeed())
			Expect(other.AddPCI(ctx, nic)).To(MatchError(controller.ErrConflict))

			snapshot := other.Snapshot()
			Expect(snapshot.Status.CPUs).To(Equal([]uint64{4}))
			Expect(snapshot.Status.Memory).To(Equal([]api.MemoryBlock{{BaseAddr: 0x1000000, Pages: 16, Boot: true}}))
			Expect(snapshot.Status.PCIDevices).To(BeEmpty())
		})

		It("should keep memory blocks ordered and reject overlaps", func(ctx SpecContext) {
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x500000, Pages: 16})).To(Succeed())
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 256})).To(Succeed())
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 1})).To(MatchError(controller.ErrDuplicate))
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x301000, Pages: 1})).To(HaveOccurred())
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x600000, Pages: 0})).To(MatchError(controller.ErrInvalid))

			Expect(c.Snapshot().Status.Memory).To(Equal([]api.MemoryBlock{
				{BaseAddr: 0x100000, Pages: 512, Boot: true},
				{BaseAddr: 0x300000, Pages: 256},
				{BaseAddr: 0x500000, Pages: 16},
			}))
			Expect(k.Memory()).To(HaveLen(3))

			Expect(c.RemoveMemory(ctx, 0x300000)).To(MatchError(controller.ErrUnsupported))
		})

		It("should pass pci devices through", func(ctx SpecContext) {
			nic := api.PCIDevice{Name: "nic0", Bus: 3, Device: 0, Function: 1}
			Expect(c.AddPCI(ctx, nic)).To(Succeed())
			owner, ok := devices.Owner(nic)
			Expect(ok).To(BeTrue())
			Expect(owner).To(Equal(c.ID()))

			Expect(c.AddPCI(ctx, nic)).To(MatchError(controller.ErrDuplicate))
			Expect(c.FreePCI(ctx, "gpu0")).To(MatchError(controller.ErrNotFound))

			Expect(c.FreePCI(ctx, "nic0")).To(Succeed())
			_, ok = devices.Owner(nic)
			Expect(ok).To(BeFalse())
			Expect(c.Snapshot().Status.PCIDevices).To(BeEmpty())
		})
	})

	Context("rollback", func() {
		var (
			c *controller.Controller
			k *emulator.Kernel
		)

		BeforeEach(func(ctx SpecContext) {
			c, k = launchEnclave(ctx)
		})

		It("should drop a cpu the enclave rejects", func(ctx SpecContext) {
			k.Reject(wire.CmdAddCPU, -16)

			err := c.AddCPU(ctx, 5)
			var remote *controller.RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Command).To(Equal(wire.CmdAddCPU))
			Expect(remote.Status).To(Equal(int64(-16)))
			Expect(controller.Classify(err)).To(Equal(controller.KindRemote))

			Expect(c.Snapshot().Status.CPUs).To(Equal([]uint64{3}))
			Expect(inventory.FreeCPUs()).To(ContainElement(uint64(5)))
			Expect(emu.PendingTrampolines(c.ID())).To(BeZero())

			k.Accept(wire.CmdAddCPU)
			Expect(c.AddCPU(ctx, 5)).To(Succeed())
		})

		It("should drop a memory block the enclave rejects", func(ctx SpecContext) {
			k.Reject(wire.CmdAddMemory, -12)

			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 256})).To(HaveOccurred())
			Expect(c.Snapshot().Status.Memory).To(HaveLen(1))
			Expect(mem.Windows()).To(HaveLen(1))

			k.Accept(wire.CmdAddMemory)
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 256})).To(Succeed())
		})

		It("should drop a pci device the enclave rejects", func(ctx SpecContext) {
			nic := api.PCIDevice{Name: "nic0", Bus: 3}
			k.Reject(wire.CmdAddPCI, -19)

			Expect(c.AddPCI(ctx, nic)).To(HaveOccurred())
			Expect(c.Snapshot().Status.PCIDevices).To(BeEmpty())
			_, ok := devices.Owner(nic)
			Expect(ok).To(BeFalse())
		})
	})

	Context("reset", func() {
		It("should replay the resources of the enclave", func(ctx SpecContext) {
			c, k := launchEnclave(ctx)

			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 256})).To(Succeed())
			Expect(c.AddCPU(ctx, 3)).To(MatchError(controller.ErrDuplicate))
			Expect(k.Received()).To(Equal([]wire.CommandID{wire.CmdAddMemory}))

			result, err := c.Reset(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Memory).To(Equal([]api.MemoryBlock{{BaseAddr: 0x300000, Pages: 256}}))
			Expect(result.CPUs).To(BeEmpty())
			Expect(result.PCIDevices).To(BeEmpty())
			Expect(emu.Boots(c.ID())).To(Equal(2))

			rebooted, ok := emu.Kernel(c.ID())
			Expect(ok).To(BeTrue())
			Expect(rebooted).NotTo(BeIdenticalTo(k))
			Expect(rebooted.Received()).To(Equal([]wire.CommandID{wire.CmdAddMemory}))
			Expect(rebooted.Memory()).To(ConsistOf(
				api.MemoryBlock{BaseAddr: 0x100000, Pages: 512, Boot: true},
				api.MemoryBlock{BaseAddr: 0x300000, Pages: 256},
			))
			Expect(c.State()).To(Equal(api.EnclaveStateRunning))
		})

		It("should replay cpus and pci devices in the order they were added", func(ctx SpecContext) {
			c, _ := launchEnclave(ctx)
			nic := api.PCIDevice{Name: "nic0", Bus: 3}

			Expect(c.AddCPU(ctx, 7)).To(Succeed())
			Expect(c.AddCPU(ctx, 5)).To(Succeed())
			Expect(c.AddPCI(ctx, nic)).To(Succeed())

			result, err := c.Reset(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CPUs).To(Equal([]uint64{7, 5}))
			Expect(result.PCIDevices).To(Equal([]api.PCIDevice{nic}))
			Expect(devices.Resets(nic)).To(Equal(1))

			rebooted, _ := emu.Kernel(c.ID())
			Expect(rebooted.Received()).To(Equal([]wire.CommandID{wire.CmdAddCPU, wire.CmdAddCPU, wire.CmdAddPCI}))
		})

		It("should abort a command the old kernel never completes", func(ctx SpecContext) {
			c, k := launchEnclave(ctx)
			k.Hold(wire.CmdAddCPU)

			added := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				added <- c.AddCPU(ctx, 5)
			}()
			Eventually(k.Received).Should(ContainElement(wire.CmdAddCPU))

			result, err := c.Reset(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CPUs).To(BeEmpty())
			Eventually(added).Should(Receive(MatchError(controller.ErrTransport)))

			Expect(c.State()).To(Equal(api.EnclaveStateRunning))
			Expect(c.Snapshot().Status.CPUs).To(Equal([]uint64{3}))
			Expect(inventory.FreeCPUs()).To(ContainElement(uint64(5)))
			Expect(emu.PendingTrampolines(c.ID())).To(BeZero())

			Expect(c.AddCPU(ctx, 5)).To(Succeed())
		})

		It("should drop resources the new kernel does not take back", func(ctx SpecContext) {
			c, _ := launchEnclave(ctx)
			Expect(c.AddCPU(ctx, 5)).To(Succeed())
			Expect(c.AddMemory(ctx, api.MemoryBlock{BaseAddr: 0x300000, Pages: 256})).To(Succeed())

			failures := testutil.ToFloat64(metrics.ReplayFailures)
			emu.Reject(wire.CmdAddCPU, -16)

			result, err := c.Reset(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Memory).To(Equal([]api.MemoryBlock{{BaseAddr: 0x300000, Pages: 256}}))
			Expect(result.CPUs).To(BeEmpty())
			Expect(result.DroppedCPUs).To(Equal([]uint64{5}))
			Expect(testutil.ToFloat64(metrics.ReplayFailures)).To(Equal(failures + 1))

			Expect(c.Snapshot().Status.CPUs).To(Equal([]uint64{3}))
			Expect(inventory.FreeCPUs()).To(ContainElement(uint64(5)))
			Expect(emu.PendingTrampolines(c.ID())).To(BeZero())
		})
	})

	Context("guests and jobs", func() {
		var c *controller.Controller

		BeforeEach(func(ctx SpecContext) {
			c, _ = launchEnclave(ctx)
		})

		It("should run the lifecycle of a vm", func(ctx SpecContext) {
			vm, err := c.CreateVM(ctx, api.VMSpec{FileName: "/images/guest.img", Name: "guest"})
			Expect(err).NotTo(HaveOccurred())
			Expect(vm).To(Equal(uint32(0)))

			Expect(c.LaunchVM(ctx, vm)).To(Succeed())
			Expect(c.PauseVM(ctx, vm)).To(Succeed())
			Expect(c.ContinueVM(ctx, vm)).To(Succeed())
			Expect(c.ControlVM(ctx, vm, api.VMActionSimulate)).To(Succeed())
			Expect(c.ControlVM(ctx, vm, "reboot")).To(MatchError(controller.ErrInvalid))
			Expect(c.SendVMDebug(ctx, vm, api.VMDebug{Core: 0, Cmd: 1})).To(Succeed())

			addr, err := c.ConnectVMConsole(ctx, vm)
			Expect(err).NotTo(HaveOccurred())
			Expect(addr).To(Equal(uint64(emulator.ConsoleBase)))
			Expect(c.SendVMConsoleKey(ctx, vm, 0x1c)).To(Succeed())
			Expect(c.DisconnectVMConsole(ctx, vm)).To(Succeed())

			Expect(c.StopVM(ctx, vm)).To(Succeed())
			Expect(c.FreeVM(ctx, vm)).To(Succeed())

			err = c.LaunchVM(ctx, vm)
			Expect(controller.Classify(err)).To(Equal(controller.KindRemote))
		})

		It("should reject names that do not fit the command", func(ctx SpecContext) {
			long := make([]byte, 300)
			for i := range long {
				long[i] = 'a'
			}
			_, err := c.CreateVM(ctx, api.VMSpec{FileName: string(long), Name: "guest"})
			Expect(err).To(MatchError(controller.ErrInvalid))
		})

		It("should refuse vm ids that do not fit", func(ctx SpecContext) {
			k, ok := emu.Kernel(c.ID())
			Expect(ok).To(BeTrue())

			k.Answer(wire.CmdCreateVM, math.MaxUint32+1)
			_, err := c.CreateVM(ctx, api.VMSpec{FileName: "/guests/guest.img", Name: "guest"})
			Expect(err).To(MatchError(controller.ErrProtocol))

			k.Answer(wire.CmdCreateVM, math.MaxUint32)
			vm, err := c.CreateVM(ctx, api.VMSpec{FileName: "/guests/guest.img", Name: "guest"})
			Expect(err).NotTo(HaveOccurred())
			Expect(vm).To(Equal(uint32(math.MaxUint32)))
		})

		It("should launch jobs and move files", func(ctx SpecContext) {
			id, err := c.LaunchJob(ctx, api.Job{Name: "hello", ExePath: "/bin/hello", Argv: "hello world", NumRanks: 1, CPUMask: 0x8})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(1)))
			_, err = c.LaunchJob(ctx, api.Job{Name: "broken"})
			Expect(err).To(MatchError(controller.ErrInvalid))

			Expect(c.LoadFile(ctx, api.FileTransfer{HostFile: "/tmp/in", EnclaveFile: "/in"})).To(Succeed())
			Expect(c.StoreFile(ctx, api.FileTransfer{HostFile: "/tmp/out", EnclaveFile: "/in"})).To(Succeed())
			Expect(c.StoreFile(ctx, api.FileTransfer{HostFile: "/tmp/out", EnclaveFile: "/missing"})).To(HaveOccurred())
			Expect(c.LoadFile(ctx, api.FileTransfer{HostFile: "/tmp/in"})).To(MatchError(controller.ErrInvalid))
		})
	})

	Context("segments", func() {
		It("should forward segment commands in both directions", func(ctx SpecContext) {
			c, k := launchEnclave(ctx)

			status, _, err := k.Longcall(ctx, wire.LongcallSegmentCommand, []byte("attach"))
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(wire.StatusOK))
			Expect(link.Commands()).To(Equal([][]byte{[]byte("attach")}))

			status, _, err = k.Longcall(ctx, 42, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(wire.StatusUnknownLongcall))

			Expect(c.SendSegment(ctx, []byte("detach"))).To(Succeed())
			Expect(k.SegmentCommands()).To(Equal([][]byte{[]byte("detach")}))

			Expect(c.SignalSegment(0x10)).To(MatchError(controller.ErrInvalid))
		})
	})
})
