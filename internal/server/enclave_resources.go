// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/controller"
)

func (s *Server) ListCPUs(w http.ResponseWriter, req *http.Request) {
	s.withEnclave(w, req, func(c *controller.Controller) error {
		s.writeJSON(w, req, http.StatusOK, c.Snapshot().Status.CPUs)
		return nil
	})
}

func (s *Server) AddCPU(w http.ResponseWriter, req *http.Request) {
	var body api.CPURequest
	if err := decodeRequest(req, &body); err != nil {
		s.writeError(w, req, err)
		return
	}
	if body.CPU == nil {
		s.writeError(w, req, fmt.Errorf("%w: cpu is required", ErrInvalidRequest))
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.AddCPU(req.Context(), *body.CPU); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) RemoveCPU(w http.ResponseWriter, req *http.Request) {
	cpu, err := uintParam(req, "cpu", 64)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.RemoveCPU(req.Context(), cpu); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) ListMemory(w http.ResponseWriter, req *http.Request) {
	s.withEnclave(w, req, func(c *controller.Controller) error {
		s.writeJSON(w, req, http.StatusOK, c.Snapshot().Status.Memory)
		return nil
	})
}

func (s *Server) AddMemory(w http.ResponseWriter, req *http.Request) {
	var block api.MemoryBlock
	if err := decodeRequest(req, &block); err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.AddMemory(req.Context(), block); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) RemoveMemory(w http.ResponseWriter, req *http.Request) {
	base, err := uintParam(req, "base", 64)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		return c.RemoveMemory(req.Context(), base)
	})
}

func (s *Server) ListPCIDevices(w http.ResponseWriter, req *http.Request) {
	s.withEnclave(w, req, func(c *controller.Controller) error {
		s.writeJSON(w, req, http.StatusOK, c.Snapshot().Status.PCIDevices)
		return nil
	})
}

func (s *Server) AddPCIDevice(w http.ResponseWriter, req *http.Request) {
	var dev api.PCIDevice
	if err := decodeRequest(req, &dev); err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.AddPCI(req.Context(), dev); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) FreePCIDevice(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.FreePCI(req.Context(), name); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}
