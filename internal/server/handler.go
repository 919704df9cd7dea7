// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	utilshttp "github.com/ironcore-dev/ironcore/utils/http"
	ctrl "sigs.k8s.io/controller-runtime"
)

const RequestIDHeader = "X-Request-Id"

var log = ctrl.Log.WithName("http")

type HandlerOptions struct {
	Log logr.Logger
}

func setHandlerOptionsDefaults(opts *HandlerOptions) {
	if opts.Log.GetSink() == nil {
		opts.Log = log.WithName("server")
	}
}

func NewHandler(srv *Server, opts HandlerOptions) http.Handler {
	setHandlerOptionsDefaults(&opts)

	r := chi.NewRouter()

	r.Use(utilshttp.InjectLogger(opts.Log))
	r.Use(injectRequestID)
	r.Use(utilshttp.LogRequest)

	r.Get("/version", srv.Version)

	r.Route("/enclaves", func(r chi.Router) {
		r.Get("/", srv.ListEnclaves)
		r.Post("/", srv.CreateEnclave)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", srv.GetEnclave)
			r.Delete("/", srv.FreeEnclave)
			r.Post("/launch", srv.LaunchEnclave)
			r.Post("/reset", srv.ResetEnclave)
			r.Post("/shutdown", srv.ShutdownEnclave)

			r.Get("/cpus", srv.ListCPUs)
			r.Post("/cpus", srv.AddCPU)
			r.Delete("/cpus/{cpu}", srv.RemoveCPU)

			r.Get("/memory", srv.ListMemory)
			r.Post("/memory", srv.AddMemory)
			r.Delete("/memory/{base}", srv.RemoveMemory)

			r.Get("/pci", srv.ListPCIDevices)
			r.Post("/pci", srv.AddPCIDevice)
			r.Delete("/pci/{name}", srv.FreePCIDevice)

			r.Post("/vms", srv.CreateVM)
			r.Post("/vms/{vm}/console", srv.ConnectVMConsole)
			r.Delete("/vms/{vm}/console", srv.DisconnectVMConsole)
			r.Post("/vms/{vm}/console/keys", srv.SendVMConsoleKey)
			r.Post("/vms/{vm}/debug", srv.SendVMDebug)
			r.Post("/vms/{vm}/{action}", srv.ControlVM)

			r.Post("/jobs", srv.LaunchJob)
			r.Post("/files/{direction}", srv.TransferFile)

			r.Post("/segments", srv.SendSegment)
			r.Post("/segments/signal", srv.SignalSegment)
		})
	})

	return r
}

// injectRequestID tags the request logger with the id of the request, generating one if the
// client did not send it.
func injectRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := req.Context()
		ctx = ctrl.LoggerInto(ctx, ctrl.LoggerFrom(ctx, "requestID", id))
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
