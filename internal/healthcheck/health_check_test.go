// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package healthcheck_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/healthcheck"
	"github.com/ironcore-dev/enclave-provider/internal/host"
	"github.com/ironcore-dev/enclave-provider/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("HealthCheck", func() {
	check := func(enclaves store.Store[*api.Enclave]) int {
		h := healthcheck.HealthCheck{Enclaves: enclaves, Log: logr.Discard()}
		recorder := httptest.NewRecorder()
		h.HealthCheckHandler(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return recorder.Code
	}

	It("should be healthy while the enclave store is readable", func() {
		enclaves, err := host.NewStore[*api.Enclave](host.Options[*api.Enclave]{
			Dir:     GinkgoT().TempDir(),
			NewFunc: func() *api.Enclave { return &api.Enclave{} },
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(check(enclaves)).To(Equal(http.StatusOK))
	})

	It("should be unhealthy when the enclave store fails", func() {
		Expect(check(brokenStore{})).To(Equal(http.StatusInternalServerError))
	})
})

type brokenStore struct {
	store.Store[*api.Enclave]
}

func (brokenStore) List(context.Context) ([]*api.Enclave, error) {
	return nil, errors.New("disk gone")
}
