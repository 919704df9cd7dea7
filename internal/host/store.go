// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/store"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/utils/keymutex"
)

const perm = 0777

type Options[E api.Object] struct {
	Dir     string
	NewFunc func() E
}

// NewStore returns a store keeping one JSON file per object in opts.Dir.
func NewStore[E api.Object](opts Options[E]) (*Store[E], error) {
	if opts.NewFunc == nil {
		return nil, fmt.Errorf("must specify opts.NewFunc")
	}

	if err := os.MkdirAll(opts.Dir, perm); err != nil {
		return nil, fmt.Errorf("error creating store directory: %w", err)
	}

	return &Store[E]{
		dir:     opts.Dir,
		idMu:    keymutex.NewHashed(0),
		newFunc: opts.NewFunc,
	}, nil
}

type Store[E api.Object] struct {
	dir string

	idMu keymutex.KeyMutex

	newFunc func() E
}

var _ store.Store[*api.Enclave] = (*Store[*api.Enclave])(nil)

func (s *Store[E]) Create(_ context.Context, obj E) (E, error) {
	var zero E
	s.idMu.LockKey(obj.GetID())
	defer func() { _ = s.idMu.UnlockKey(obj.GetID()) }()

	_, err := s.get(obj.GetID())
	switch {
	case err == nil:
		return zero, fmt.Errorf("object with id %q %w", obj.GetID(), store.ErrAlreadyExists)
	case errors.Is(err, store.ErrNotFound):
	default:
		return zero, fmt.Errorf("failed to get object with id %q %w", obj.GetID(), err)
	}

	if obj.GetUID() == "" {
		obj.SetUID(uuid.NewString())
	}
	obj.SetCreatedAt(time.Now())
	obj.IncrementResourceVersion()

	return s.set(obj)
}

func (s *Store[E]) Get(_ context.Context, id string) (E, error) {
	var zero E
	s.idMu.LockKey(id)
	defer func() { _ = s.idMu.UnlockKey(id) }()

	object, err := s.get(id)
	if err != nil {
		return zero, fmt.Errorf("failed to read object: %w", err)
	}

	return object, nil
}

func (s *Store[E]) Update(_ context.Context, obj E) (E, error) {
	var zero E
	s.idMu.LockKey(obj.GetID())
	defer func() { _ = s.idMu.UnlockKey(obj.GetID()) }()

	oldObj, err := s.get(obj.GetID())
	if err != nil {
		return zero, err
	}

	if oldObj.GetResourceVersion() != obj.GetResourceVersion() {
		return zero, fmt.Errorf("failed to update object: %w", store.ErrResourceVersionNotLatest)
	}

	if reflect.DeepEqual(oldObj, obj) {
		return obj, nil
	}

	obj.IncrementResourceVersion()

	return s.set(obj)
}

func (s *Store[E]) Delete(_ context.Context, id string) error {
	s.idMu.LockKey(id)
	defer func() { _ = s.idMu.UnlockKey(id) }()

	if _, err := s.get(id); err != nil {
		return err
	}
	return s.delete(id)
}

func (s *Store[E]) List(ctx context.Context) ([]E, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	var objs []E
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		object, err := s.Get(ctx, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read object: %w", err)
		}

		objs = append(objs, object)
	}

	return objs, nil
}

func (s *Store[E]) get(id string) (E, error) {
	var zero E
	file, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		if !os.IsNotExist(err) {
			return zero, fmt.Errorf("failed to read file: %w", err)
		}

		return zero, fmt.Errorf("object with id %q %w", id, store.ErrNotFound)
	}

	obj := s.newFunc()
	if err := json.Unmarshal(file, &obj); err != nil {
		return zero, fmt.Errorf("failed to unmarshal object from file %s: %w", id, err)
	}

	return obj, nil
}

func (s *Store[E]) set(obj E) (E, error) {
	var zero E
	data, err := json.Marshal(obj)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal obj: %w", err)
	}

	if err := os.WriteFile(filepath.Join(s.dir, obj.GetID()), data, 0666); err != nil {
		return zero, fmt.Errorf("failed to write object %s: %w", obj.GetID(), err)
	}

	return obj, nil
}

func (s *Store[E]) delete(id string) error {
	if err := os.Remove(filepath.Join(s.dir, id)); err != nil {
		return fmt.Errorf("failed to delete object from store: %w", err)
	}

	return nil
}
