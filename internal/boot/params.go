// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package boot

import (
	"errors"
	"fmt"

	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
)

var (
	ErrBadMagic      = errors.New("boot parameter block has an unknown magic")
	ErrInvalidLayout = errors.New("invalid boot memory layout")
)

var paramsMagic = [8]byte{'P', 'I', 'S', 'C', 'E', 'S', 'B', 'P'}

// ParamsSize is the encoded size of Params.
const ParamsSize = 10*8 + 2*4 + 1024

// Params is the block the host leaves at the start of the boot memory. The kernel finds its
// channels through it.
type Params struct {
	Magic           [8]byte
	BootCPU         uint64
	MemBase         uint64
	MemSize         uint64
	ControlBufAddr  uint64
	ControlBufSize  uint64
	LongcallBufAddr uint64
	LongcallBufSize uint64
	SegmentBufAddr  uint64
	SegmentBufSize  uint64
	HostCore        uint32
	Reserved        uint32
	CmdLine         [1024]byte
}

// Layout places the channel buffers relative to the boot memory base.
type Layout struct {
	ControlOffset  uint64
	LongcallOffset uint64
	SegmentOffset  uint64
	BufferSize     uint64
}

var DefaultLayout = Layout{
	ControlOffset:  0x1000,
	LongcallOffset: 0x2000,
	SegmentOffset:  0x3000,
	BufferSize:     api.PageSize,
}

// MinMemory returns the smallest boot memory that holds all buffers.
func (l Layout) MinMemory() uint64 {
	return max(l.ControlOffset, l.LongcallOffset, l.SegmentOffset) + l.BufferSize
}

// Validate checks that the buffers fit into memSize bytes of boot memory without overlapping
// each other or the parameter block.
func (l Layout) Validate(memSize uint64) error {
	if l.BufferSize == 0 || l.BufferSize%8 != 0 {
		return fmt.Errorf("buffer size %d: %w", l.BufferSize, ErrInvalidLayout)
	}

	offsets := []uint64{l.ControlOffset, l.LongcallOffset, l.SegmentOffset}
	for i, off := range offsets {
		if off%8 != 0 || off < ParamsSize {
			return fmt.Errorf("buffer offset 0x%x: %w", off, ErrInvalidLayout)
		}
		if off+l.BufferSize > memSize {
			return fmt.Errorf("buffer at 0x%x exceeds %d bytes of boot memory: %w", off, memSize, ErrInvalidLayout)
		}
		for _, other := range offsets[:i] {
			if off < other+l.BufferSize && other < off+l.BufferSize {
				return fmt.Errorf("buffers at 0x%x and 0x%x overlap: %w", other, off, ErrInvalidLayout)
			}
		}
	}
	return nil
}

func NewParams(t *Target) (Params, error) {
	if err := t.Layout.Validate(t.Env.Size()); err != nil {
		return Params{}, err
	}

	base := t.Env.BaseAddr
	p := Params{
		Magic:           paramsMagic,
		BootCPU:         t.Env.CPU,
		MemBase:         base,
		MemSize:         t.Env.Size(),
		ControlBufAddr:  base + t.Layout.ControlOffset,
		ControlBufSize:  t.Layout.BufferSize,
		LongcallBufAddr: base + t.Layout.LongcallOffset,
		LongcallBufSize: t.Layout.BufferSize,
		SegmentBufAddr:  base + t.Layout.SegmentOffset,
		SegmentBufSize:  t.Layout.BufferSize,
		HostCore:        t.HostCore,
	}
	if err := wire.PutString(p.CmdLine[:], t.Image.CmdLine); err != nil {
		return Params{}, fmt.Errorf("invalid kernel command line: %w", err)
	}
	return p, nil
}

// Write encodes p at the start of mem.
func (p Params) Write(mem []byte) error {
	data, err := wire.Marshal(p)
	if err != nil {
		return err
	}
	if len(mem) < len(data) {
		return fmt.Errorf("boot parameter block needs %d bytes, got %d", len(data), len(mem))
	}
	copy(mem, data)
	return nil
}

func ReadParams(mem []byte) (Params, error) {
	var p Params
	if err := wire.Unmarshal(mem, &p); err != nil {
		return Params{}, err
	}
	if p.Magic != paramsMagic {
		return Params{}, fmt.Errorf("%q: %w", p.Magic[:], ErrBadMagic)
	}
	return p, nil
}

func (p Params) CommandLine() string {
	return wire.String(p.CmdLine[:])
}
