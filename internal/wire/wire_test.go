// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package wire_test

import (
	"encoding/binary"

	"github.com/ironcore-dev/enclave-provider/internal/wire"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Wire", func() {
	DescribeTable("should keep the packed payload sizes",
		func(v any, size int) {
			Expect(binary.Size(v)).To(Equal(size))
		},
		Entry("cpu add", wire.CPUAdd{}, 16),
		Entry("memory add", wire.MemAdd{}, 16),
		Entry("vm path", wire.VMPath{}, 384),
		Entry("vm control", wire.VMCtrl{}, 4),
		Entry("console keycode", wire.VMConsoleKeycode{}, 5),
		Entry("debug spec", wire.DebugSpec{}, 12),
		Entry("pci spec", wire.PCISpec{}, 140),
		Entry("pci add", wire.AddPCI{}, 144),
		Entry("job spec", wire.JobSpec{}, 865),
		Entry("file pair", wire.FilePair{}, 256),
	)

	It("should frame a command with its payload length", func() {
		msg, err := wire.EncodeCommand(wire.CmdAddMemory, wire.MemAdd{PhysAddr: 0x300000, Size: 256 * 4096})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg).To(HaveLen(wire.HeaderSize + 16))
		Expect(binary.NativeEndian.Uint64(msg[0:])).To(BeEquivalentTo(101))
		Expect(binary.NativeEndian.Uint32(msg[8:])).To(BeEquivalentTo(16))
		Expect(binary.NativeEndian.Uint64(msg[12:])).To(BeEquivalentTo(0x300000))
		Expect(binary.NativeEndian.Uint64(msg[20:])).To(BeEquivalentTo(0x100000))

		cmd, payload, err := wire.DecodeCommand(msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd).To(Equal(wire.CmdAddMemory))

		var add wire.MemAdd
		Expect(wire.Unmarshal(payload, &add)).To(Succeed())
		Expect(add).To(Equal(wire.MemAdd{PhysAddr: 0x300000, Size: 0x100000}))
	})

	It("should frame commands without payload", func() {
		msg, err := wire.EncodeCommand(wire.CmdShutdown, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg).To(HaveLen(wire.HeaderSize))
		Expect(wire.CmdShutdown.String()).To(Equal("shutdown"))
		Expect(wire.CommandID(7).String()).To(Equal("command(7)"))
	})

	It("should carry negative statuses in responses", func() {
		status, payload, err := wire.DecodeResponse(wire.EncodeResponse(-22, []byte{1, 2}))
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(BeEquivalentTo(-22))
		Expect(payload).To(Equal([]byte{1, 2}))
	})

	It("should reject truncated and inconsistent frames", func() {
		_, _, err := wire.DecodeResponse([]byte{1, 2, 3})
		Expect(err).To(MatchError(wire.ErrShortMessage))

		msg := wire.EncodeLongcall(wire.LongcallSegmentCommand, []byte("abc"))
		_, _, err = wire.DecodeLongcall(msg[:len(msg)-1])
		Expect(err).To(MatchError(wire.ErrLengthMismatch))

		var add wire.CPUAdd
		Expect(wire.Unmarshal(make([]byte, 8), &add)).To(MatchError(wire.ErrShortMessage))
	})

	It("should store NUL terminated strings", func() {
		spec, err := wire.NewPCISpec("nic0", 3, 0, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(wire.String(spec.Name[:])).To(Equal("nic0"))

		long := make([]byte, 128)
		for i := range long {
			long[i] = 'x'
		}
		_, err = wire.NewPCISpec(string(long), 0, 0, 0)
		Expect(err).To(MatchError(wire.ErrStringTooLong))

		Expect(wire.String([]byte("abc"))).To(Equal("abc"))
	})
})
