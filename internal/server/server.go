// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the enclave control operations as a JSON API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/internal/controller"
	ctrl "sigs.k8s.io/controller-runtime"
)

type Server struct {
	manager *controller.Manager
}

type Options struct {
	Manager *controller.Manager
}

func New(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("must specify opts.Manager")
	}

	return &Server{
		manager: opts.Manager,
	}, nil
}

func (s *Server) loggerFrom(ctx context.Context, keysWithValues ...interface{}) logr.Logger {
	return ctrl.LoggerFrom(ctx, keysWithValues...)
}

// withEnclave runs fn on the enclave named in the request path and writes its error, if any.
func (s *Server) withEnclave(w http.ResponseWriter, req *http.Request, fn func(c *controller.Controller) error) {
	id, err := enclaveID(req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}

	c, err := s.manager.Get(id)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	defer c.Release()

	if err := fn(c); err != nil {
		s.writeError(w, req, err)
	}
}
