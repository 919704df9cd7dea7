// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"reflect"
	"slices"
)

const (
	BootDriverEmulated = "emulated"
)

// BootDriverOption selects how enclave kernels are started.
type BootDriverOption string

func (b *BootDriverOption) String() string {
	return b.Get()
}

func (b *BootDriverOption) Set(value string) error {
	if b == nil {
		return fmt.Errorf("invalid pointer to object type %s", b.Type())
	}

	options := bootDriverOptionAvailable()
	index := slices.Index(options, value)
	if index == -1 {
		return fmt.Errorf("unsupported option %s", value)
	}

	*b = BootDriverOption(value)
	return nil
}

func (b *BootDriverOption) Type() string {
	return reflect.TypeOf(*b).String()
}

func (b *BootDriverOption) Get() string {
	if b == nil || *b == "" {
		return BootDriverEmulated
	}
	return string(*b)
}

func bootDriverOptionAvailable() []string {
	return []string{BootDriverEmulated}
}
