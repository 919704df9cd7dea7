// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package api

import "time"

type Metadata struct {
	ID          string            `json:"id"`
	UID         string            `json:"uid,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	CreatedAt       time.Time `json:"createdAt"`
	ResourceVersion uint64    `json:"resourceVersion"`
}

func (m *Metadata) GetID() string {
	return m.ID
}

func (m *Metadata) GetUID() string {
	return m.UID
}

func (m *Metadata) GetAnnotations() map[string]string {
	return m.Annotations
}

func (m *Metadata) GetLabels() map[string]string {
	return m.Labels
}

func (m *Metadata) GetCreatedAt() time.Time {
	return m.CreatedAt
}

func (m *Metadata) GetResourceVersion() uint64 {
	return m.ResourceVersion
}

func (m *Metadata) SetID(id string) {
	m.ID = id
}

func (m *Metadata) SetUID(uid string) {
	m.UID = uid
}

func (m *Metadata) SetAnnotations(annotations map[string]string) {
	m.Annotations = annotations
}

func (m *Metadata) SetLabels(labels map[string]string) {
	m.Labels = labels
}

func (m *Metadata) SetCreatedAt(createdAt time.Time) {
	m.CreatedAt = createdAt
}

func (m *Metadata) IncrementResourceVersion() {
	m.ResourceVersion++
}

type Object interface {
	GetID() string
	GetUID() string
	GetAnnotations() map[string]string
	GetLabels() map[string]string
	GetCreatedAt() time.Time
	GetResourceVersion() uint64

	SetID(id string)
	SetUID(uid string)
	SetAnnotations(annotations map[string]string)
	SetLabels(labels map[string]string)
	SetCreatedAt(createdAt time.Time)
	IncrementResourceVersion()
}
