// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package shm_test

import (
	"github.com/ironcore-dev/enclave-provider/internal/shm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Memory", func() {
	var mem *shm.Memory

	BeforeEach(func() {
		mem = shm.NewMemory()
		DeferCleanup(mem.Close)
	})

	It("should share pages between the host view and a peer mapping", func() {
		Expect(mem.Reserve(0x100000, 0x200000)).To(Succeed())

		host, err := mem.Map(0x101000, 16)
		Expect(err).NotTo(HaveOccurred())
		copy(host, "hello enclave")

		peer, err := mem.MapPeer(0x100000, 0x200000)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(peer.Close)

		view, err := peer.Bytes(0x101000, 13)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(view)).To(Equal("hello enclave"))

		By("writing through the peer mapping")
		copy(view, "HELLO")
		Expect(string(host[:5])).To(Equal("HELLO"))
	})

	It("should reject overlapping and unaligned ranges", func() {
		Expect(mem.Reserve(0x100000, 0x100000)).To(Succeed())
		Expect(mem.Reserve(0x100000, 0x100000)).To(Succeed())
		Expect(mem.Reserve(0x180000, 0x100000)).To(MatchError(shm.ErrOverlap))
		Expect(mem.Reserve(0x300001, 0x1000)).To(MatchError(shm.ErrUnaligned))
		Expect(mem.Reserve(0x300000, 0)).To(MatchError(shm.ErrEmptyRange))
	})

	It("should only map ranges inside a reserved window", func() {
		Expect(mem.Reserve(0x100000, 0x1000)).To(Succeed())

		_, err := mem.Map(0x100800, 0x1000)
		Expect(err).To(MatchError(shm.ErrNotMapped))

		Expect(mem.Release(0x100000)).To(Succeed())
		_, err = mem.Map(0x100000, 0x10)
		Expect(err).To(MatchError(shm.ErrNotMapped))
		Expect(mem.Release(0x100000)).To(MatchError(shm.ErrNotMapped))
	})

	It("should keep windows ordered by base address", func() {
		Expect(mem.Reserve(0x400000, 0x1000)).To(Succeed())
		Expect(mem.Reserve(0x100000, 0x1000)).To(Succeed())
		Expect(mem.Reserve(0x200000, 0x1000)).To(Succeed())

		var bases []uint64
		for _, w := range mem.Windows() {
			bases = append(bases, w.Base())
		}
		Expect(bases).To(Equal([]uint64{0x100000, 0x200000, 0x400000}))
	})
})
