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

func (s *Server) LaunchJob(w http.ResponseWriter, req *http.Request) {
	var job api.Job
	if err := decodeRequest(req, &job); err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		id, err := c.LaunchJob(req.Context(), job)
		if err != nil {
			return err
		}
		s.loggerFrom(req.Context()).V(1).Info("Launched job", "enclave", c.ID(), "job", id)
		s.writeJSON(w, req, http.StatusCreated, api.JobResponse{ID: id})
		return nil
	})
}

func (s *Server) TransferFile(w http.ResponseWriter, req *http.Request) {
	var transfer api.FileTransfer
	if err := decodeRequest(req, &transfer); err != nil {
		s.writeError(w, req, err)
		return
	}

	var op func(c *controller.Controller) error
	switch direction := chi.URLParam(req, "direction"); direction {
	case "load":
		op = func(c *controller.Controller) error { return c.LoadFile(req.Context(), transfer) }
	case "store":
		op = func(c *controller.Controller) error { return c.StoreFile(req.Context(), transfer) }
	default:
		s.writeError(w, req, fmt.Errorf("%w: unknown transfer direction %q", ErrInvalidRequest, direction))
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := op(c); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) SendSegment(w http.ResponseWriter, req *http.Request) {
	cmd, err := readBody(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.SendSegment(req.Context(), cmd); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) SignalSegment(w http.ResponseWriter, req *http.Request) {
	var body api.SegmentSignalRequest
	if err := decodeRequest(req, &body); err != nil {
		s.writeError(w, req, err)
		return
	}
	if body.Vector == nil {
		s.writeError(w, req, fmt.Errorf("%w: vector is required", ErrInvalidRequest))
		return
	}

	s.withEnclave(w, req, func(c *controller.Controller) error {
		if err := c.SignalSegment(*body.Vector); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}
