// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package healthcheck

import (
	"net/http"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/store"
)

type HealthCheck struct {
	Enclaves store.Store[*api.Enclave]
	Log      logr.Logger
}

func (h HealthCheck) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	_, err := h.Enclaves.List(r.Context())
	if err == nil {
		w.WriteHeader(http.StatusOK)
	} else {
		h.Log.V(1).Error(err, "Failed to read enclave store")
		w.WriteHeader(http.StatusInternalServerError)
	}
}
