// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/controller"
	"k8s.io/apimachinery/pkg/util/json"
)

const maxRequestBytes = 1 << 20

var ErrInvalidRequest = errors.New("invalid request")

func convertInternalErrorToHTTP(err error) (int, api.ErrorResponse) {
	resp := api.ErrorResponse{Message: err.Error()}

	var remote *controller.RemoteError
	if errors.As(err, &remote) {
		resp.Kind = string(controller.KindRemote)
		resp.Status = &remote.Status
		return http.StatusBadGateway, resp
	}

	if errors.Is(err, ErrInvalidRequest) {
		resp.Kind = string(controller.KindValidation)
		return http.StatusBadRequest, resp
	}

	resp.Kind = string(controller.Classify(err))
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, controller.ErrDuplicate),
		errors.Is(err, controller.ErrConflict),
		errors.Is(err, controller.ErrNotRunning),
		errors.Is(err, controller.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, controller.ErrUnsupported):
		code = http.StatusNotImplemented
	case errors.Is(err, controller.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, controller.ErrTransport):
		code = http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrProtocol):
		code = http.StatusBadGateway
	}
	return code, resp
}

func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	code, resp := convertInternalErrorToHTTP(err)
	if code == http.StatusInternalServerError {
		s.loggerFrom(req.Context()).Error(err, "Request failed")
	} else {
		s.loggerFrom(req.Context()).V(1).Info("Request failed", "code", code, "error", err.Error())
	}
	s.writeJSON(w, req, code, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, req *http.Request, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.loggerFrom(req.Context()).Error(err, "Failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		s.loggerFrom(req.Context()).V(1).Info("Failed to write response", "error", err.Error())
	}
}

func readBody(req *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %w", ErrInvalidRequest, err)
	}
	return data, nil
}

func decodeRequest(req *http.Request, v any) error {
	data, err := readBody(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func enclaveID(req *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(req, "id"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: enclave id %q", ErrInvalidRequest, chi.URLParam(req, "id"))
	}
	return id, nil
}

// uintParam parses a numeric path parameter. Hexadecimal values need a 0x prefix.
func uintParam(req *http.Request, name string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(chi.URLParam(req, name), 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidRequest, name, chi.URLParam(req, name))
	}
	return v, nil
}
