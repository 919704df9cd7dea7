// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package enclave

import "errors"

var (
	ErrDuplicate         = errors.New("resource is already assigned to the enclave")
	ErrNotFound          = errors.New("resource is not assigned to the enclave")
	ErrInvalidResource   = errors.New("invalid resource")
	ErrBootResource      = errors.New("boot resources cannot be removed")
	ErrInvalidTransition = errors.New("invalid enclave state transition")
	ErrTableFull         = errors.New("enclave table is full")
	ErrReleased          = errors.New("enclave was released")
)
