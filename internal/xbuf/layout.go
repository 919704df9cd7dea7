// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package xbuf

import (
	"sync/atomic"
	"unsafe"
)

// Header layout. Both domains address the same offsets in native byte order.
//
//	0   flags           u64
//	8   host core       u32
//	12  host vector     u32
//	16  remote core     u32
//	20  remote vector   u32
//	24  capacity        u32
//	28  data length     u32
//	32  staging area    capacity bytes
const (
	offFlags        = 0
	offHostCore     = 8
	offHostVector   = 12
	offRemoteCore   = 16
	offRemoteVector = 20
	offCapacity     = 24
	offDataLen      = 28

	HeaderSize = 32
)

const (
	flagReady    uint64 = 0x01
	flagPending  uint64 = 0x02
	flagStaged   uint64 = 0x04
	flagActive   uint64 = 0x08
	flagComplete uint64 = 0x10
)

// Side selects which routing pair of the header belongs to the local domain.
type Side int

const (
	HostSide Side = iota
	EnclaveSide
)

func (s Side) peer() Side {
	if s == HostSide {
		return EnclaveSide
	}
	return HostSide
}

func (s Side) String() string {
	if s == HostSide {
		return "host"
	}
	return "enclave"
}

// Route is the core and vector an interrupt must be sent to.
type Route struct {
	Core   uint32
	Vector uint32
}

// header is a view of the shared channel header. Every word is accessed atomically; the staging
// area is published by the flag update that follows the copy.
type header struct {
	mem []byte
}

func (h header) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.mem[off]))
}

func (h header) flagsWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&h.mem[offFlags]))
}

func (h header) flags() uint64 {
	return atomic.LoadUint64(h.flagsWord())
}

func (h header) storeFlags(v uint64) {
	atomic.StoreUint64(h.flagsWord(), v)
}

func (h header) casFlags(old, next uint64) bool {
	return atomic.CompareAndSwapUint64(h.flagsWord(), old, next)
}

func (h header) setFlags(bits uint64) {
	atomic.OrUint64(h.flagsWord(), bits)
}

func (h header) clearFlags(bits uint64) {
	atomic.AndUint64(h.flagsWord(), ^bits)
}

func (h header) capacity() uint32 {
	return atomic.LoadUint32(h.word(offCapacity))
}

func (h header) setCapacity(v uint32) {
	atomic.StoreUint32(h.word(offCapacity), v)
}

func (h header) dataLen() uint32 {
	return atomic.LoadUint32(h.word(offDataLen))
}

func (h header) setDataLen(v uint32) {
	atomic.StoreUint32(h.word(offDataLen), v)
}

func (h header) route(s Side) Route {
	core, vector := offHostCore, offHostVector
	if s == EnclaveSide {
		core, vector = offRemoteCore, offRemoteVector
	}
	return Route{
		Core:   atomic.LoadUint32(h.word(core)),
		Vector: atomic.LoadUint32(h.word(vector)),
	}
}

func (h header) setRoute(s Side, r Route) {
	core, vector := offHostCore, offHostVector
	if s == EnclaveSide {
		core, vector = offRemoteCore, offRemoteVector
	}
	atomic.StoreUint32(h.word(core), r.Core)
	atomic.StoreUint32(h.word(vector), r.Vector)
}

func (h header) reset() {
	h.storeFlags(0)
	for off := offHostCore; off < HeaderSize; off += 4 {
		atomic.StoreUint32(h.word(off), 0)
	}
}

func (h header) data() []byte {
	return h.mem[HeaderSize:]
}

func aligned(mem []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 == 0
}

// NewBuffer returns zeroed memory suitable for a channel with the given capacity.
func NewBuffer(capacity int) []byte {
	words := make([]uint64, (HeaderSize+capacity+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), HeaderSize+capacity)
}
