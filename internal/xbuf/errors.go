// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package xbuf

import "errors"

var (
	ErrNotReady           = errors.New("channel is not ready")
	ErrDisabled           = errors.New("channel was disabled")
	ErrAborted            = errors.New("transaction was released by the initiator")
	ErrAlreadyInitialized = errors.New("channel is already initialized")
	ErrInactive           = errors.New("no active transaction to complete")
	ErrCorrupt            = errors.New("channel header is corrupt")
	ErrTooLarge           = errors.New("message exceeds the maximum message size")
	ErrSignal             = errors.New("failed to signal peer")
)
