// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package resources_test

import (
	"github.com/ironcore-dev/enclave-provider/internal/resources"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var _ = Describe("Inventory", func() {
	var inv *resources.Inventory

	BeforeEach(func(ctx SpecContext) {
		var err error
		inv, err = resources.NewInventory(ctx, logf.Log.WithName("inventory"), resources.Options{
			CPUs:         4,
			ReservedCPUs: []uint64{0},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should detect the host CPUs when no count is configured", func(ctx SpecContext) {
		detected, err := resources.NewInventory(ctx, logf.Log, resources.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(detected.CPUs()).To(BeNumerically(">", 0))
	})

	It("should hand each CPU to one enclave at a time", func() {
		Expect(inv.ClaimCPU(1, 2)).To(Succeed())
		Expect(inv.ClaimCPU(2, 2)).To(MatchError(resources.ErrCPUClaimed))
		Expect(inv.ClaimCPU(1, 0)).To(MatchError(resources.ErrReservedCPU))
		Expect(inv.ClaimCPU(1, 4)).To(MatchError(resources.ErrUnknownCPU))
		Expect(inv.FreeCPUs()).To(Equal([]uint64{1, 3}))

		inv.ReleaseCPU(2, 2)
		Expect(inv.ClaimCPU(2, 2)).To(MatchError(resources.ErrCPUClaimed))
		inv.ReleaseCPU(1, 2)
		Expect(inv.ClaimCPU(2, 2)).To(Succeed())
	})

	It("should reject overlapping memory of different enclaves", func() {
		Expect(inv.ClaimMemory(1, 0x100000, 0x200000)).To(Succeed())
		Expect(inv.ClaimMemory(1, 0x100000, 0x200000)).To(Succeed())
		Expect(inv.ClaimMemory(2, 0x200000, 0x1000)).To(MatchError(resources.ErrMemoryClaimed))
		Expect(inv.ClaimMemory(2, 0x300000, 0x1000)).To(Succeed())
		Expect(inv.ClaimMemory(2, 0x400000, 0)).To(MatchError(resources.ErrEmptyRange))

		inv.ReleaseAll(1)
		Expect(inv.ClaimMemory(2, 0x200000, 0x1000)).To(Succeed())
	})
})
