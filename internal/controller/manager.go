// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/boot"
	"github.com/ironcore-dev/enclave-provider/internal/device"
	"github.com/ironcore-dev/enclave-provider/internal/enclave"
	"github.com/ironcore-dev/enclave-provider/internal/irq"
	"github.com/ironcore-dev/enclave-provider/internal/lcall"
	"github.com/ironcore-dev/enclave-provider/internal/metrics"
	"github.com/ironcore-dev/enclave-provider/internal/resources"
	"github.com/ironcore-dev/enclave-provider/internal/store"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
)

const (
	DefaultBootTimeout       = 5 * time.Second
	DefaultReadyPollInterval = 10 * time.Millisecond
)

type ManagerOptions struct {
	Memory    boot.AddressSpace
	IRQ       irq.Controller
	Inventory *resources.Inventory
	Devices   device.Plugin
	Longcalls *lcall.Registry

	// HostCore receives the interrupts of every enclave.
	HostCore uint32
	Layout   boot.Layout

	// BootTimeout bounds the time a booted kernel has to open its channels.
	BootTimeout       time.Duration
	ReadyPollInterval time.Duration

	Channel         xbuf.Options
	LongcallWorkers int
	MaxEnclaves     int
}

func setManagerOptionsDefaults(o *ManagerOptions) {
	if o.Layout == (boot.Layout{}) {
		o.Layout = boot.DefaultLayout
	}
	if o.BootTimeout <= 0 {
		o.BootTimeout = DefaultBootTimeout
	}
	if o.ReadyPollInterval <= 0 {
		o.ReadyPollInterval = DefaultReadyPollInterval
	}
	if o.LongcallWorkers <= 0 {
		o.LongcallWorkers = lcall.DefaultWorkers
	}
	if o.MaxEnclaves <= 0 {
		o.MaxEnclaves = enclave.MaxEnclaves
	}
}

// Manager owns all enclaves of the host.
type Manager struct {
	log    logr.Logger
	booter boot.Booter
	store  store.Store[*api.Enclave]

	memory    boot.AddressSpace
	irq       irq.Controller
	inventory *resources.Inventory
	devices   device.Plugin
	longcalls *lcall.Registry

	opts  ManagerOptions
	table *enclave.Table[*Controller]
}

func NewManager(log logr.Logger, booter boot.Booter, enclaves store.Store[*api.Enclave], opts ManagerOptions) (*Manager, error) {
	if booter == nil {
		return nil, fmt.Errorf("must specify booter")
	}
	if enclaves == nil {
		return nil, fmt.Errorf("must specify enclave store")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("must specify opts.Memory")
	}
	if opts.IRQ == nil {
		return nil, fmt.Errorf("must specify opts.IRQ")
	}
	if opts.Inventory == nil {
		return nil, fmt.Errorf("must specify opts.Inventory")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("must specify opts.Devices")
	}
	if opts.Longcalls == nil {
		return nil, fmt.Errorf("must specify opts.Longcalls")
	}

	setManagerOptionsDefaults(&opts)
	if err := opts.Layout.Validate(opts.Layout.MinMemory()); err != nil {
		return nil, fmt.Errorf("invalid channel layout: %w", err)
	}

	return &Manager{
		log:       log,
		booter:    booter,
		store:     enclaves,
		memory:    opts.Memory,
		irq:       opts.IRQ,
		inventory: opts.Inventory,
		devices:   opts.Devices,
		longcalls: opts.Longcalls,
		opts:      opts,
		table:     enclave.NewTable[*Controller](opts.MaxEnclaves),
	}, nil
}

// Start removes records left behind by a previous run. Enclaves do not survive a restart of the
// provider.
func (m *Manager) Start(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enclave records: %w", err)
	}

	for _, record := range records {
		if !api.IsManagedBy(record, api.EnclaveManager) {
			continue
		}
		if err := m.store.Delete(ctx, record.ID); store.IgnoreErrNotFound(err) != nil {
			return fmt.Errorf("failed to delete stale enclave record %s: %w", record.ID, err)
		}
		m.log.V(1).Info("Deleted stale enclave record", "enclave", record.ID)
	}
	return nil
}

// Create registers a new enclave for image. The returned Controller holds a reference that the
// caller has to release.
func (m *Manager) Create(ctx context.Context, image api.EnclaveImage) (*Controller, error) {
	if image.KernelPath == "" {
		return nil, fmt.Errorf("image has no kernel: %w", ErrInvalid)
	}

	c, err := m.table.Add(func(id int) (*Controller, error) {
		record := &api.Enclave{
			Metadata: api.Metadata{ID: strconv.Itoa(id)},
			Spec:     api.EnclaveSpec{Image: image},
			Status:   api.EnclaveStatus{State: api.EnclaveStateLoaded},
		}
		api.SetManagerLabel(record, api.EnclaveManager)

		created, err := m.store.Create(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to create enclave record: %w", err)
		}
		return newController(m, enclave.New(id, image, m.finalize), created), nil
	})
	if err != nil {
		return nil, convertResourceError(err)
	}

	metrics.Enclaves.WithLabelValues(string(api.EnclaveStateLoaded)).Inc()
	if err := c.enclave.Acquire(); err != nil {
		return nil, convertResourceError(err)
	}
	c.log.Info("Created enclave", "kernel", image.KernelPath)
	return c, nil
}

// Get returns the enclave with the given id. The caller has to release the Controller.
func (m *Manager) Get(id int) (*Controller, error) {
	c, ok := m.table.Get(id)
	if !ok {
		return nil, fmt.Errorf("enclave %d: %w", id, ErrNotFound)
	}
	if err := c.enclave.Acquire(); err != nil {
		return nil, fmt.Errorf("enclave %d: %w", id, ErrNotFound)
	}
	if c.State() == api.EnclaveStateDead {
		c.Release()
		return nil, fmt.Errorf("enclave %d: %w", id, ErrNotFound)
	}
	return c, nil
}

// List returns a snapshot of every enclave ordered by id.
func (m *Manager) List() []*api.Enclave {
	var res []*api.Enclave
	for _, c := range m.table.List() {
		if c.State() == api.EnclaveStateDead {
			continue
		}
		res = append(res, c.Snapshot())
	}
	return res
}

func (m *Manager) Len() int {
	return m.table.Len()
}

func (m *Manager) Free(ctx context.Context, id int) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	defer c.Release()
	return c.Free(ctx)
}

// Close frees every enclave that is still alive.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, c := range m.table.List() {
		if c.State() == api.EnclaveStateDead {
			continue
		}
		if err := c.Free(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
			errs = append(errs, fmt.Errorf("enclave %d: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) channelOptions(name string) xbuf.Options {
	o := m.opts.Channel
	o.Name = name
	o.Log = m.log.WithName("xbuf")
	return o
}

func (m *Manager) forget(ctx context.Context, c *Controller) {
	if err := m.store.Delete(ctx, strconv.Itoa(c.ID())); store.IgnoreErrNotFound(err) != nil {
		c.log.Error(err, "Failed to delete enclave record")
	}
}

func (m *Manager) finalize(e *enclave.Enclave) {
	m.table.Remove(e.ID())
	metrics.Enclaves.WithLabelValues(string(api.EnclaveStateDead)).Dec()
	m.log.V(1).Info("Released enclave", "enclave", e.ID())
}
