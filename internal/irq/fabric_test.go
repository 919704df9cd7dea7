// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package irq_test

import (
	"sync/atomic"

	"github.com/ironcore-dev/enclave-provider/internal/irq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var _ = Describe("Fabric", func() {
	var fabric *irq.Fabric

	BeforeEach(func() {
		fabric = irq.NewFabric(logf.Log.WithName("fabric"))
	})

	It("should allocate distinct vectors per core", func() {
		noop := irq.HandlerFunc(func() {})

		a, err := fabric.Bind(3, noop)
		Expect(err).NotTo(HaveOccurred())
		b, err := fabric.Bind(3, noop)
		Expect(err).NotTo(HaveOccurred())
		c, err := fabric.Bind(4, noop)
		Expect(err).NotTo(HaveOccurred())

		Expect(a.Vector).To(Equal(irq.FirstVector))
		Expect(b.Vector).To(Equal(irq.FirstVector + 1))
		Expect(c).To(Equal(irq.Binding{Core: 4, Vector: irq.FirstVector}))

		By("reusing an unbound vector")
		Expect(fabric.Unbind(a)).To(Succeed())
		d, err := fabric.Bind(3, noop)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(a))
	})

	It("should deliver signals to the bound handler", func() {
		var hits atomic.Int32
		b, err := fabric.Bind(0, irq.HandlerFunc(func() { hits.Add(1) }))
		Expect(err).NotTo(HaveOccurred())

		Expect(fabric.Signal(b.Core, b.Vector)).To(Succeed())
		Expect(fabric.Signal(b.Core, b.Vector)).To(Succeed())
		fabric.Wait()

		Expect(hits.Load()).To(BeEquivalentTo(2))
		Expect(fabric.Signals()).To(BeEquivalentTo(2))
	})

	It("should reject signals on unbound vectors", func() {
		Expect(fabric.Signal(1, 0x99)).To(MatchError(irq.ErrNotBound))
		Expect(fabric.Dropped()).To(BeEquivalentTo(1))
		Expect(fabric.Signals()).To(BeZero())
		Expect(fabric.Unbind(irq.Binding{Core: 1, Vector: 0x99})).To(MatchError(irq.ErrNotBound))
	})
})
