// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package api

const (
	ManagerLabel = "enclave-provider.ironcore.dev/manager"
	BootCPULabel = "enclave-provider.ironcore.dev/boot-cpu"
)

const (
	EnclaveManager = "enclave-provider"
)

// PageSize is the granularity of enclave memory blocks.
const PageSize = 4096

func SetManagerLabel(o Object, manager string) {
	labels := o.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[ManagerLabel] = manager
	o.SetLabels(labels)
}

func IsManagedBy(o Object, manager string) bool {
	actual, ok := o.GetLabels()[ManagerLabel]
	return ok && actual == manager
}
