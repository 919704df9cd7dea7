// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package lcall

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ironcore-dev/enclave-provider/internal/wire"
)

var ErrAlreadyRegistered = errors.New("longcall handler is already registered")

// Request is one longcall issued by an enclave.
type Request struct {
	EnclaveID int
	ID        wire.LongcallID
	Payload   []byte
}

// Handler serves a longcall. The returned status and payload are sent back to the enclave.
type Handler interface {
	HandleLongcall(ctx context.Context, req *Request) (int64, []byte)
}

type HandlerFunc func(ctx context.Context, req *Request) (int64, []byte)

func (f HandlerFunc) HandleLongcall(ctx context.Context, req *Request) (int64, []byte) {
	return f(ctx, req)
}

// Registry maps longcall ids to their handlers. It is shared by all enclaves.
type Registry struct {
	mu       sync.RWMutex
	handlers map[wire.LongcallID]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[wire.LongcallID]Handler)}
}

func (r *Registry) Register(id wire.LongcallID, h Handler) error {
	if h == nil {
		return fmt.Errorf("must specify handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[id]; ok {
		return fmt.Errorf("longcall %d: %w", id, ErrAlreadyRegistered)
	}
	r.handlers[id] = h
	return nil
}

func (r *Registry) Unregister(id wire.LongcallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

func (r *Registry) Lookup(id wire.LongcallID) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}
