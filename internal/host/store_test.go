// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package host_test

import (
	"os"
	"path/filepath"

	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store", func() {
	It("should correctly create an object", func(ctx SpecContext) {
		By("creating an enclave object")
		enclave, err := enclaveStore.Create(ctx, &api.Enclave{
			Metadata: api.Metadata{
				ID: "create",
			},
			Spec: api.EnclaveSpec{
				Image: api.EnclaveImage{KernelPath: "/boot/kitten"},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func(ctx SpecContext) {
			Expect(enclaveStore.Delete(ctx, "create")).To(Succeed())
		})
		Expect(enclave.UID).NotTo(BeEmpty())
		Expect(enclave.ResourceVersion).To(Equal(uint64(1)))

		By("checking that the store object exists")
		data, err := os.ReadFile(filepath.Join(tmpDir, enclave.ID))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).NotTo(BeNil())

		By("creating the same object again")
		_, err = enclaveStore.Create(ctx, &api.Enclave{Metadata: api.Metadata{ID: "create"}})
		Expect(err).To(MatchError(store.ErrAlreadyExists))
	})

	It("should update objects with the latest resource version only", func(ctx SpecContext) {
		enclave, err := enclaveStore.Create(ctx, &api.Enclave{Metadata: api.Metadata{ID: "update"}})
		Expect(err).NotTo(HaveOccurred())

		stale := *enclave
		enclave.Status.State = api.EnclaveStateRunning
		enclave, err = enclaveStore.Update(ctx, enclave)
		Expect(err).NotTo(HaveOccurred())
		Expect(enclave.ResourceVersion).To(Equal(uint64(2)))

		stale.Status.State = api.EnclaveStateDead
		_, err = enclaveStore.Update(ctx, &stale)
		Expect(err).To(MatchError(store.ErrResourceVersionNotLatest))

		got, err := enclaveStore.Get(ctx, "update")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.State).To(Equal(api.EnclaveStateRunning))

		By("deleting the object")
		Expect(enclaveStore.Delete(ctx, "update")).To(Succeed())
		_, err = enclaveStore.Get(ctx, "update")
		Expect(err).To(MatchError(store.ErrNotFound))
		Expect(enclaveStore.Delete(ctx, "update")).To(MatchError(store.ErrNotFound))
	})

	It("should list all objects", func(ctx SpecContext) {
		for _, id := range []string{"list-a", "list-b"} {
			_, err := enclaveStore.Create(ctx, &api.Enclave{Metadata: api.Metadata{ID: id}})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func(ctx SpecContext) {
				Expect(enclaveStore.Delete(ctx, id)).To(Succeed())
			})
		}

		enclaves, err := enclaveStore.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(enclaves).To(ContainElements(
			HaveField("ID", "list-a"),
			HaveField("ID", "list-b"),
		))
	})
})
