package policy

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import "github.com/gemalto/kmip-go/kmip14"

// Names of the built-in policies. Policy files may not redefine them.
const (
	DefaultPolicy = "default"
	PublicPolicy  = "public"
)

// IsReserved reports whether name belongs to a built-in policy.
func IsReserved(name string) bool {
	return name == DefaultPolicy || name == PublicPolicy
}

var publicReadOperations = map[kmip14.Operation]bool{
	kmip14.OperationLocate:           true,
	kmip14.OperationCheck:            true,
	kmip14.OperationGet:              true,
	kmip14.OperationGetAttributes:    true,
	kmip14.OperationGetAttributeList: true,
}

// Builtin returns fresh copies of the built-in policies: "default" grants
// every operation to the object owner, "public" grants read access to
// everyone and nothing else.
func Builtin() []*Policy {
	def := &Policy{Name: DefaultPolicy, Preset: make(Rules, len(objectTypeNames))}
	pub := &Policy{Name: PublicPolicy, Preset: make(Rules, len(objectTypeNames))}

	for _, objectType := range objectTypeNames {
		def.Preset[objectType] = make(map[kmip14.Operation]Permission, len(operationNames))
		pub.Preset[objectType] = make(map[kmip14.Operation]Permission, len(operationNames))

		for _, op := range operationNames {
			def.Preset[objectType][op] = AllowOwner

			if publicReadOperations[op] {
				pub.Preset[objectType][op] = AllowAll
			} else {
				pub.Preset[objectType][op] = DisallowAll
			}
		}
	}

	return []*Policy{def, pub}
}
