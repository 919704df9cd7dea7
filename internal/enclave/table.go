// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package enclave

import (
	"fmt"
	"math/bits"
	"sync"
)

// MaxEnclaves bounds the number of enclaves that can exist at the same time.
const MaxEnclaves = 128

// Table is a bounded arena handing out small, stable ids. The lowest free id is reused first.
type Table[T any] struct {
	mu    sync.Mutex
	slots []T
	used  []uint64
	count int
}

func NewTable[T any](size int) *Table[T] {
	return &Table[T]{
		slots: make([]T, size),
		used:  make([]uint64, (size+63)/64),
	}
}

// Add allocates an id and stores the value built for it. No id is consumed when newFunc fails.
func (t *Table[T]) Add(newFunc func(id int) (T, error)) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	id := t.firstFree()
	if id < 0 {
		return zero, fmt.Errorf("%d entries: %w", len(t.slots), ErrTableFull)
	}

	v, err := newFunc(id)
	if err != nil {
		return zero, err
	}

	t.slots[id] = v
	t.used[id/64] |= 1 << (id % 64)
	t.count++
	return v, nil
}

func (t *Table[T]) Get(id int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if !t.inUse(id) {
		return zero, false
	}
	return t.slots[id], true
}

func (t *Table[T]) Remove(id int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	if !t.inUse(id) {
		return zero, false
	}
	v := t.slots[id]
	t.slots[id] = zero
	t.used[id/64] &^= 1 << (id % 64)
	t.count--
	return v, true
}

// List returns all values ordered by id.
func (t *Table[T]) List() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]T, 0, t.count)
	for id := range t.slots {
		if t.inUse(id) {
			res = append(res, t.slots[id])
		}
	}
	return res
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Table[T]) inUse(id int) bool {
	return id >= 0 && id < len(t.slots) && t.used[id/64]&(1<<(id%64)) != 0
}

func (t *Table[T]) firstFree() int {
	for i, word := range t.used {
		if word == ^uint64(0) {
			continue
		}
		id := i*64 + bits.TrailingZeros64(^word)
		if id < len(t.slots) {
			return id
		}
	}
	return -1
}
