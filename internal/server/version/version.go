// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package version

const RuntimeName = "enclave-provider"

// Set at build time with -ldflags "-X".
var (
	Version string
	Commit  string
)
