// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"net/http"

	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/server"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/ptr"
)

var (
	image   = api.EnclaveImage{KernelPath: "/boot/kitten"}
	bootEnv = api.BootEnvironment{BaseAddr: 0x100000, BlockSize: 512 * api.PageSize, NumBlocks: 1, CPU: 3}
)

var _ = Describe("Server", func() {
	createEnclave := func() string {
		GinkgoHelper()
		resp := do(http.MethodPost, "/enclaves", image)
		Expect(resp.Code).To(Equal(http.StatusCreated))
		return "/enclaves/" + decode[api.Enclave](resp).ID
	}

	launchEnclave := func() string {
		GinkgoHelper()
		path := createEnclave()
		resp := do(http.MethodPost, path+"/launch", bootEnv)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(decode[api.Enclave](resp).Status.State).To(Equal(api.EnclaveStateRunning))
		return path
	}

	It("should report its version", func() {
		resp := do(http.MethodGet, "/version", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(decode[api.VersionResponse](resp)).To(Equal(api.VersionResponse{Name: "enclave-provider", Version: "0.0.0"}))
		Expect(resp.Header().Get(server.RequestIDHeader)).NotTo(BeEmpty())
	})

	It("should manage the lifecycle of an enclave", func() {
		path := createEnclave()

		resp := do(http.MethodGet, "/enclaves", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(decode[[]api.Enclave](resp)).To(HaveLen(1))

		resp = do(http.MethodGet, path, nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(decode[api.Enclave](resp).Status.State).To(Equal(api.EnclaveStateLoaded))

		Expect(do(http.MethodPost, path+"/launch", bootEnv).Code).To(Equal(http.StatusOK))
		Expect(do(http.MethodPost, path+"/launch", bootEnv).Code).To(Equal(http.StatusConflict))

		resp = do(http.MethodPost, path+"/reset", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))

		Expect(do(http.MethodDelete, path, nil).Code).To(Equal(http.StatusNoContent))
		Expect(do(http.MethodGet, path, nil).Code).To(Equal(http.StatusNotFound))
		Expect(decode[[]api.Enclave](do(http.MethodGet, "/enclaves", nil))).To(BeEmpty())
	})

	It("should assign resources", func() {
		path := launchEnclave()

		Expect(do(http.MethodPost, path+"/cpus", api.CPURequest{CPU: ptr.To[uint64](5)}).Code).To(Equal(http.StatusNoContent))
		Expect(decode[[]uint64](do(http.MethodGet, path+"/cpus", nil))).To(Equal([]uint64{3, 5}))
		Expect(do(http.MethodDelete, path+"/cpus/5", nil).Code).To(Equal(http.StatusNoContent))

		Expect(do(http.MethodPost, path+"/memory", api.MemoryBlock{BaseAddr: 0x300000, Pages: 256}).Code).To(Equal(http.StatusNoContent))
		Expect(decode[[]api.MemoryBlock](do(http.MethodGet, path+"/memory", nil))).To(HaveLen(2))
		Expect(do(http.MethodDelete, path+"/memory/0x300000", nil).Code).To(Equal(http.StatusNotImplemented))

		nic := api.PCIDevice{Name: "nic0", Bus: 3}
		Expect(do(http.MethodPost, path+"/pci", nic).Code).To(Equal(http.StatusNoContent))
		Expect(decode[[]api.PCIDevice](do(http.MethodGet, path+"/pci", nil))).To(Equal([]api.PCIDevice{nic}))
		Expect(do(http.MethodDelete, path+"/pci/nic0", nil).Code).To(Equal(http.StatusNoContent))
	})

	It("should run vms and jobs", func() {
		path := launchEnclave()

		resp := do(http.MethodPost, path+"/vms", api.VMSpec{FileName: "/guest.img", Name: "guest"})
		Expect(resp.Code).To(Equal(http.StatusCreated))
		Expect(decode[api.VMResponse](resp).ID).To(Equal(uint32(0)))

		Expect(do(http.MethodPost, path+"/vms/0/launch", nil).Code).To(Equal(http.StatusNoContent))
		Expect(do(http.MethodPost, path+"/vms/0/reboot", nil).Code).To(Equal(http.StatusBadRequest))

		resp = do(http.MethodPost, path+"/vms/0/console", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(decode[api.ConsoleResponse](resp).Address).NotTo(BeZero())
		Expect(do(http.MethodPost, path+"/vms/0/console/keys", api.ConsoleKeyRequest{ScanCode: ptr.To[uint8](0x1c)}).Code).
			To(Equal(http.StatusNoContent))
		Expect(do(http.MethodDelete, path+"/vms/0/console", nil).Code).To(Equal(http.StatusNoContent))
		Expect(do(http.MethodPost, path+"/vms/0/debug", api.VMDebug{Cmd: 1}).Code).To(Equal(http.StatusNoContent))

		resp = do(http.MethodPost, path+"/jobs", api.Job{Name: "hello", ExePath: "/bin/hello"})
		Expect(resp.Code).To(Equal(http.StatusCreated))
		Expect(decode[api.JobResponse](resp).ID).To(Equal(int64(1)))

		Expect(do(http.MethodPost, path+"/files/load", api.FileTransfer{HostFile: "/tmp/a", EnclaveFile: "/a"}).Code).
			To(Equal(http.StatusNoContent))
		Expect(do(http.MethodPost, path+"/files/copy", api.FileTransfer{HostFile: "/tmp/a", EnclaveFile: "/a"}).Code).
			To(Equal(http.StatusBadRequest))

		Expect(do(http.MethodPost, path+"/segments", []byte("attach")).Code).To(Equal(http.StatusNoContent))
		Expect(do(http.MethodPost, path+"/shutdown", nil).Code).To(Equal(http.StatusNoContent))
	})

	It("should map errors to status codes", func() {
		Expect(do(http.MethodGet, "/enclaves/17", nil).Code).To(Equal(http.StatusNotFound))
		Expect(do(http.MethodGet, "/enclaves/abc", nil).Code).To(Equal(http.StatusBadRequest))
		Expect(do(http.MethodPost, "/enclaves", []byte("{")).Code).To(Equal(http.StatusBadRequest))
		Expect(do(http.MethodPost, "/enclaves", api.EnclaveImage{}).Code).To(Equal(http.StatusBadRequest))

		path := createEnclave()
		resp := do(http.MethodPost, path+"/cpus", api.CPURequest{CPU: ptr.To[uint64](5)})
		Expect(resp.Code).To(Equal(http.StatusConflict))
		Expect(decode[api.ErrorResponse](resp).Kind).To(Equal("validation"))
		Expect(do(http.MethodPost, path+"/cpus", api.CPURequest{}).Code).To(Equal(http.StatusBadRequest))

		oversized := api.BootEnvironment{BaseAddr: 0x100000, BlockSize: 4 * api.PageSize, NumBlocks: 1<<50 + 1, CPU: 3}
		Expect(do(http.MethodPost, path+"/launch", oversized).Code).To(Equal(http.StatusBadRequest))

		Expect(do(http.MethodPost, path+"/launch", bootEnv).Code).To(Equal(http.StatusOK))
		Expect(do(http.MethodPost, path+"/cpus", api.CPURequest{CPU: ptr.To[uint64](3)}).Code).To(Equal(http.StatusConflict))
		Expect(do(http.MethodPost, path+"/memory", api.MemoryBlock{BaseAddr: 0x300000, Pages: 1<<52 + 1}).Code).To(Equal(http.StatusBadRequest))

		k, ok := emu.Kernel(0)
		Expect(ok).To(BeTrue())
		k.Reject(wire.CmdAddCPU, -16)
		resp = do(http.MethodPost, path+"/cpus", api.CPURequest{CPU: ptr.To[uint64](5)})
		Expect(resp.Code).To(Equal(http.StatusBadGateway))
		body := decode[api.ErrorResponse](resp)
		Expect(body.Kind).To(Equal("remote"))
		Expect(body.Status).To(HaveValue(Equal(int64(-16))))
	})
})
