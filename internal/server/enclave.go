// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/controller"
)

func (s *Server) CreateEnclave(w http.ResponseWriter, req *http.Request) {
	log := s.loggerFrom(req.Context())

	var image api.EnclaveImage
	if err := decodeRequest(req, &image); err != nil {
		s.writeError(w, req, err)
		return
	}

	log.V(1).Info("Creating enclave", "kernel", image.KernelPath)
	c, err := s.manager.Create(req.Context(), image)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	defer c.Release()

	log.V(1).Info("Created enclave", "enclave", c.ID())
	s.writeJSON(w, req, http.StatusCreated, c.Snapshot())
}

func (s *Server) ListEnclaves(w http.ResponseWriter, req *http.Request) {
	enclaves := s.manager.List()
	if enclaves == nil {
		enclaves = []*api.Enclave{}
	}
	s.writeJSON(w, req, http.StatusOK, enclaves)
}

func (s *Server) GetEnclave(w http.ResponseWriter, req *http.Request) {
	s.withEnclave(w, req, func(c *controller.Controller) error {
		s.writeJSON(w, req, http.StatusOK, c.Snapshot())
		return nil
	})
}

func (s *Server) FreeEnclave(w http.ResponseWriter, req *http.Request) {
	id, err := enclaveID(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	s.loggerFrom(req.Context()).V(1).Info("Freeing enclave", "enclave", id)
	if err := s.manager.Free(req.Context(), id); err != nil {
		s.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) LaunchEnclave(w http.ResponseWriter, req *http.Request) {
	var env api.BootEnvironment
	if err := decodeRequest(req, &env); err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		s.loggerFrom(req.Context()).V(1).Info("Launching enclave", "enclave", c.ID(), "bootCPU", env.CPU)
		if err := c.Launch(req.Context(), env); err != nil {
			return err
		}
		s.writeJSON(w, req, http.StatusOK, c.Snapshot())
		return nil
	})
}

func (s *Server) ResetEnclave(w http.ResponseWriter, req *http.Request) {
	s.withEnclave(w, req, func(c *controller.Controller) error {
		s.loggerFrom(req.Context()).V(1).Info("Resetting enclave", "enclave", c.ID())
		result, err := c.Reset(req.Context())
		if err != nil {
			return err
		}
		s.writeJSON(w, req, http.StatusOK, result)
		return nil
	})
}

func (s *Server) ShutdownEnclave(w http.ResponseWriter, req *http.Request) {
	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.Shutdown(req.Context()); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}
