// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

// Package shm emulates ranges of physical memory with shared memory files. Each reserved range
// is backed by its own memfd, so the host and an emulated enclave can map the same pages
// independently of each other.
package shm

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	pageSize = uint64(unix.Getpagesize())
	pageMask = pageSize - 1
)

var (
	ErrUnaligned  = errors.New("range is not page aligned")
	ErrOverlap    = errors.New("range overlaps a reserved window")
	ErrNotMapped  = errors.New("range is not backed by a reserved window")
	ErrEmptyRange = errors.New("range is empty")
)

// Window is a reserved physical range backed by a memfd. The host view is mapped for the
// lifetime of the window.
type Window struct {
	base uint64
	size uint64
	fd   int
	view []byte
}

func (w *Window) Base() uint64 {
	return w.base
}

func (w *Window) Size() uint64 {
	return w.size
}

func (w *Window) contains(base, size uint64) bool {
	return base >= w.base && base+size <= w.base+w.size
}

func (w *Window) overlaps(base, size uint64) bool {
	return base < w.base+w.size && w.base < base+size
}

// Mapping is an additional view of a window. It must be closed by its owner.
type Mapping struct {
	base uint64
	mem  []byte
}

// Bytes returns size bytes starting at the physical address base.
func (m *Mapping) Bytes(base, size uint64) ([]byte, error) {
	if base < m.base || base+size > m.base+uint64(len(m.mem)) {
		return nil, fmt.Errorf("0x%x+0x%x: %w", base, size, ErrNotMapped)
	}
	off := base - m.base
	return m.mem[off : off+size : off+size], nil
}

func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

type Memory struct {
	mu      sync.Mutex
	windows []*Window
}

func NewMemory() *Memory {
	return &Memory{}
}

// Reserve backs [base, base+size) with a fresh shared memory file. Reserving exactly the range of
// an existing window is a no-op.
func (m *Memory) Reserve(base, size uint64) error {
	if size == 0 {
		return ErrEmptyRange
	}
	if base&pageMask != 0 || size&pageMask != 0 {
		return fmt.Errorf("0x%x+0x%x: %w", base, size, ErrUnaligned)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.windows {
		if w.base == base && w.size == size {
			return nil
		}
		if w.overlaps(base, size) {
			return fmt.Errorf("0x%x+0x%x: %w", base, size, ErrOverlap)
		}
	}

	w, err := newWindow(base, size)
	if err != nil {
		return err
	}

	idx, _ := slices.BinarySearchFunc(m.windows, base, func(w *Window, base uint64) int {
		switch {
		case w.base < base:
			return -1
		case w.base > base:
			return 1
		}
		return 0
	})
	m.windows = slices.Insert(m.windows, idx, w)
	return nil
}

// Release unmaps and closes the window starting at base. Outstanding peer mappings stay valid
// until they are closed.
func (m *Memory) Release(base uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.windows, func(w *Window) bool { return w.base == base })
	if idx < 0 {
		return fmt.Errorf("0x%x: %w", base, ErrNotMapped)
	}

	w := m.windows[idx]
	m.windows = slices.Delete(m.windows, idx, idx+1)
	return w.destroy()
}

// Map returns the host view of [base, base+size).
func (m *Memory) Map(base, size uint64) ([]byte, error) {
	w, err := m.find(base, size)
	if err != nil {
		return nil, err
	}
	off := base - w.base
	return w.view[off : off+size : off+size], nil
}

// MapPeer maps the whole window containing [base, base+size) a second time.
func (m *Memory) MapPeer(base, size uint64) (*Mapping, error) {
	w, err := m.find(base, size)
	if err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(w.fd, 0, int(w.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map window 0x%x: %w", w.base, err)
	}
	return &Mapping{base: w.base, mem: mem}, nil
}

func (m *Memory) Windows() []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.windows)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, w := range m.windows {
		errs = append(errs, w.destroy())
	}
	m.windows = nil
	return errors.Join(errs...)
}

func (m *Memory) find(base, size uint64) (*Window, error) {
	if size == 0 {
		return nil, ErrEmptyRange
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.windows {
		if w.contains(base, size) {
			return w, nil
		}
	}
	return nil, fmt.Errorf("0x%x+0x%x: %w", base, size, ErrNotMapped)
}

func newWindow(base, size uint64) (*Window, error) {
	fd, err := unix.MemfdCreate(fmt.Sprintf("enclave-mem-%x", base), unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate failed: %w", err)
	}

	view, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to map window: %w", err)
	}

	return &Window{base: base, size: size, fd: fd, view: view}, nil
}

func (w *Window) destroy() error {
	return errors.Join(unix.Munmap(w.view), unix.Close(w.fd))
}
