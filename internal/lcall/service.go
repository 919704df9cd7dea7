// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package lcall serves longcalls, the requests an enclave sends to the host on its longcall
// channel. The interrupt path only queues a request; workers run the handler and complete the
// transaction.
package lcall

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/internal/irq"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
	"k8s.io/client-go/util/workqueue"
)

const DefaultWorkers = 1

type Options struct {
	Workers int
	Channel xbuf.Options
}

func setOptionsDefaults(o *Options) {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
}

type Service struct {
	log       logr.Logger
	enclaveID int
	registry  *Registry
	workers   int

	channel *xbuf.Channel
	queue   workqueue.TypedInterface[*Request]
}

// NewService creates the host end of the longcall channel in mem. Interrupts are received on
// core.
func NewService(log logr.Logger, enclaveID int, mem []byte, ctrl irq.Controller, core uint32, registry *Registry, opts Options) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("must specify registry")
	}
	setOptionsDefaults(&opts)

	s := &Service{
		log:       log,
		enclaveID: enclaveID,
		registry:  registry,
		workers:   opts.Workers,
		queue: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*Request]{
			Name: "longcall",
		}),
	}

	ch, err := xbuf.NewResponder(mem, xbuf.HostSide, ctrl, core, xbuf.HandlerFunc(s.enqueue), opts.Channel)
	if err != nil {
		s.queue.ShutDown()
		return nil, fmt.Errorf("failed to create longcall channel: %w", err)
	}
	s.channel = ch
	return s, nil
}

func (s *Service) Channel() *xbuf.Channel {
	return s.channel
}

// Start runs the workers until ctx is done or the service is closed.
func (s *Service) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.queue.ShutDown()
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s.processNextWorkItem(ctx) {
			}
		}()
	}
	wg.Wait()
}

// Close disables the channel and stops accepting requests.
func (s *Service) Close() error {
	err := s.channel.Close()
	s.queue.ShutDown()
	return err
}

func (s *Service) enqueue(ch *xbuf.Channel, payload []byte) {
	id, data, err := wire.DecodeLongcall(payload)
	if err != nil {
		s.log.Error(err, "Received malformed longcall")
		s.complete(ch, wire.StatusMalformedMessage, nil)
		return
	}
	s.queue.Add(&Request{EnclaveID: s.enclaveID, ID: id, Payload: data})
}

func (s *Service) processNextWorkItem(ctx context.Context) bool {
	req, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(req)

	log := s.log.WithValues("longcall", req.ID)

	h, ok := s.registry.Lookup(req.ID)
	if !ok {
		log.Error(fmt.Errorf("no handler registered"), "Rejecting longcall")
		s.complete(s.channel, wire.StatusUnknownLongcall, nil)
		return true
	}

	status, resp := h.HandleLongcall(logr.NewContext(ctx, log), req)
	log.V(1).Info("Served longcall", "status", status, "length", len(resp))
	s.complete(s.channel, status, resp)
	return true
}

func (s *Service) complete(ch *xbuf.Channel, status int64, resp []byte) {
	if err := ch.Complete(wire.EncodeResponse(status, resp)); err != nil {
		s.log.Error(err, "Failed to complete longcall")
	}
}
