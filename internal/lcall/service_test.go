// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package lcall_test

import (
	"context"
	"strings"

	"github.com/ironcore-dev/enclave-provider/internal/irq"
	"github.com/ironcore-dev/enclave-provider/internal/lcall"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

const echoLongcall wire.LongcallID = 42

var _ = Describe("Service", func() {
	var (
		registry *lcall.Registry
		enclave  *xbuf.Channel
	)

	call := func(ctx context.Context, msg []byte) (int64, []byte) {
		resp, err := enclave.Call(ctx, msg)
		Expect(err).NotTo(HaveOccurred())
		status, payload, err := wire.DecodeResponse(resp)
		Expect(err).NotTo(HaveOccurred())
		return status, payload
	}

	BeforeEach(func() {
		fabric := irq.NewFabric(logf.Log.WithName("fabric"))
		mem := xbuf.NewBuffer(128)

		registry = lcall.NewRegistry()
		Expect(registry.Register(echoLongcall, lcall.HandlerFunc(func(ctx context.Context, req *lcall.Request) (int64, []byte) {
			return int64(req.EnclaveID), []byte(strings.ToUpper(string(req.Payload)))
		}))).To(Succeed())

		svc, err := lcall.NewService(logf.Log.WithName("longcall"), 5, mem, fabric, 0, registry, lcall.Options{Workers: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Channel().Ready()).To(BeTrue())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			svc.Start(ctx)
		}()
		DeferCleanup(func() {
			Expect(svc.Close()).To(Succeed())
			cancel()
			Eventually(done).Should(BeClosed())
		})

		enclave, err = xbuf.NewInitiator(mem, xbuf.EnclaveSide, fabric, nil, xbuf.Options{Name: "enclave-longcall"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should dispatch longcalls to the registered handler", func(ctx SpecContext) {
		payload := strings.Repeat("segment ", 100)
		status, resp := call(ctx, wire.EncodeLongcall(echoLongcall, []byte(payload)))
		Expect(status).To(Equal(int64(5)))
		Expect(string(resp)).To(Equal(strings.ToUpper(payload)))
	})

	It("should reject longcalls without handler", func(ctx SpecContext) {
		status, resp := call(ctx, wire.EncodeLongcall(7, nil))
		Expect(status).To(Equal(wire.StatusUnknownLongcall))
		Expect(resp).To(BeEmpty())

		By("still serving registered longcalls afterwards")
		status, _ = call(ctx, wire.EncodeLongcall(echoLongcall, []byte("x")))
		Expect(status).To(Equal(int64(5)))
	})

	It("should reject malformed longcalls", func(ctx SpecContext) {
		status, _ := call(ctx, []byte{1, 2, 3})
		Expect(status).To(Equal(wire.StatusMalformedMessage))
	})

	It("should refuse a second handler for the same longcall", func() {
		Expect(registry.Register(echoLongcall, lcall.HandlerFunc(func(context.Context, *lcall.Request) (int64, []byte) {
			return 0, nil
		}))).To(MatchError(lcall.ErrAlreadyRegistered))
	})
})
