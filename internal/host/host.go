// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultStoreDir        = "store"
	DefaultEnclaveStoreDir = "enclaves"
)

type Paths interface {
	RootDir() string
	StoreDir() string
	EnclaveStoreDir() string
}

type paths struct {
	rootDir string
}

func (p *paths) RootDir() string {
	return p.rootDir
}

func (p *paths) StoreDir() string {
	return filepath.Join(p.rootDir, DefaultStoreDir)
}

func (p *paths) EnclaveStoreDir() string {
	return filepath.Join(p.StoreDir(), DefaultEnclaveStoreDir)
}

func PathsAt(rootDir string) (Paths, error) {
	p := &paths{rootDir}
	if err := os.MkdirAll(p.RootDir(), perm); err != nil {
		return nil, fmt.Errorf("error creating root directory: %w", err)
	}
	if err := os.MkdirAll(p.StoreDir(), perm); err != nil {
		return nil, fmt.Errorf("error creating store directory: %w", err)
	}
	return p, nil
}
