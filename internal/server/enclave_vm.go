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

func vmID(req *http.Request) (uint32, error) {
	vm, err := uintParam(req, "vm", 32)
	return uint32(vm), err
}

func (s *Server) CreateVM(w http.ResponseWriter, req *http.Request) {
	var spec api.VMSpec
	if err := decodeRequest(req, &spec); err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		vm, err := c.CreateVM(req.Context(), spec)
		if err != nil {
			return err
		}
		s.loggerFrom(req.Context()).V(1).Info("Created vm", "enclave", c.ID(), "vm", vm)
		s.writeJSON(w, req, http.StatusCreated, api.VMResponse{ID: vm})
		return nil
	})
}

func (s *Server) ControlVM(w http.ResponseWriter, req *http.Request) {
	vm, err := vmID(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	action := api.VMAction(chi.URLParam(req, "action"))

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.ControlVM(req.Context(), vm, action); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) ConnectVMConsole(w http.ResponseWriter, req *http.Request) {
	vm, err := vmID(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		addr, err := c.ConnectVMConsole(req.Context(), vm)
		if err != nil {
			return err
		}
		s.writeJSON(w, req, http.StatusOK, api.ConsoleResponse{Address: addr})
		return nil
	})
}

func (s *Server) DisconnectVMConsole(w http.ResponseWriter, req *http.Request) {
	vm, err := vmID(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.DisconnectVMConsole(req.Context(), vm); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) SendVMConsoleKey(w http.ResponseWriter, req *http.Request) {
	vm, err := vmID(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	var body api.ConsoleKeyRequest
	if err := decodeRequest(req, &body); err != nil {
		s.writeError(w, req, err)
		return
	}
	if body.ScanCode == nil {
		s.writeError(w, req, fmt.Errorf("%w: scanCode is required", ErrInvalidRequest))
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.SendVMConsoleKey(req.Context(), vm, *body.ScanCode); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) SendVMDebug(w http.ResponseWriter, req *http.Request) {
	vm, err := vmID(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	var debug api.VMDebug
	if err := decodeRequest(req, &debug); err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.SendVMDebug(req.Context(), vm, debug); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}
