// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"
	"fmt"

	"github.com/ironcore-dev/enclave-provider/internal/device"
	"github.com/ironcore-dev/enclave-provider/internal/enclave"
	"github.com/ironcore-dev/enclave-provider/internal/resources"
	"github.com/ironcore-dev/enclave-provider/internal/shm"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
)

var (
	ErrInvalid      = errors.New("invalid request")
	ErrDuplicate    = errors.New("resource is already assigned")
	ErrConflict     = errors.New("resource is in use")
	ErrNotFound     = errors.New("not found")
	ErrUnsupported  = errors.New("operation is not supported")
	ErrNotRunning   = errors.New("enclave is not running")
	ErrInvalidState = errors.New("operation is not allowed in the current enclave state")
	ErrTransport    = errors.New("communication with the enclave failed")
	ErrProtocol     = errors.New("enclave sent a malformed response")
)

// RemoteError is returned when the enclave answers a command with a negative status.
type RemoteError struct {
	Command wire.CommandID
	Status  int64
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("enclave rejected %s with status %d", e.Command, e.Status)
}

type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation"
	KindTransport  Kind = "transport"
	KindRemote     Kind = "remote"
	KindProtocol   Kind = "protocol"
	KindInternal   Kind = "internal"
)

// Classify returns the class of an error returned by a Controller or Manager.
func Classify(err error) Kind {
	var remote *RemoteError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &remote):
		return KindRemote
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrInvalid),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrNotRunning),
		errors.Is(err, ErrInvalidState):
		return KindValidation
	default:
		return KindInternal
	}
}

// convertResourceError maps errors of the resource bookkeeping onto the errors of this package.
func convertResourceError(err error) error {
	var sentinel error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, enclave.ErrDuplicate):
		sentinel = ErrDuplicate
	case errors.Is(err, enclave.ErrNotFound):
		sentinel = ErrNotFound
	case errors.Is(err, enclave.ErrInvalidResource),
		errors.Is(err, enclave.ErrBootResource),
		errors.Is(err, resources.ErrUnknownCPU),
		errors.Is(err, resources.ErrReservedCPU),
		errors.Is(err, resources.ErrEmptyRange),
		errors.Is(err, device.ErrDeviceUnavailable),
		errors.Is(err, shm.ErrUnaligned),
		errors.Is(err, shm.ErrEmptyRange):
		sentinel = ErrInvalid
	case errors.Is(err, resources.ErrCPUClaimed),
		errors.Is(err, resources.ErrMemoryClaimed),
		errors.Is(err, device.ErrDeviceClaimed),
		errors.Is(err, shm.ErrOverlap),
		errors.Is(err, enclave.ErrTableFull):
		sentinel = ErrConflict
	case errors.Is(err, enclave.ErrInvalidTransition):
		sentinel = ErrInvalidState
	case errors.Is(err, enclave.ErrReleased):
		sentinel = ErrNotFound
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
