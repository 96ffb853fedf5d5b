// Package policy implements KMIP operation policies: named rule sets
// mapping (role, object type, operation) to a permission, an atomically
// swappable store of the live policy set, and a monitor reloading that set
// from a directory of policy files.
package policy

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"fmt"

	"github.com/gemalto/kmip-go/kmip14"
)

// Permission is the outcome of a policy rule
type Permission int

const (
	DisallowAll Permission = iota
	AllowOwner
	AllowAll
)

var permissionNames = map[string]Permission{
	"DISALLOW_ALL": DisallowAll,
	"ALLOW_OWNER":  AllowOwner,
	"ALLOW_ALL":    AllowAll,
}

func (p Permission) String() string {
	for name, v := range permissionNames {
		if v == p {
			return name
		}
	}
	return fmt.Sprintf("Permission(%d)", int(p))
}

// Rules maps object type and operation to a permission
type Rules map[kmip14.ObjectType]map[kmip14.Operation]Permission

// Lookup returns the permission for the pair, if a rule exists.
func (r Rules) Lookup(objectType kmip14.ObjectType, operation kmip14.Operation) (Permission, bool) {
	ops, ok := r[objectType]
	if !ok {
		return DisallowAll, false
	}
	p, ok := ops[operation]
	return p, ok
}

func (r Rules) clone() Rules {
	if r == nil {
		return nil
	}
	c := make(Rules, len(r))
	for objectType, ops := range r {
		c[objectType] = make(map[kmip14.Operation]Permission, len(ops))
		for op, p := range ops {
			c[objectType][op] = p
		}
	}
	return c
}

// Policy is a named operation policy.
//
// Preset rules apply to callers without a role, or whose role has no group
// of its own; Groups holds rules per role.
type Policy struct {
	Name   string
	Preset Rules
	Groups map[string]Rules
}

// Rules returns the rule set applying to role.
func (p *Policy) Rules(role string) Rules {
	if role != "" {
		if rules, ok := p.Groups[role]; ok {
			return rules
		}
	}
	return p.Preset
}

// GroupFor returns the first of roles that has a group in the policy, or
// "" if none has.
func (p *Policy) GroupFor(roles []string) string {
	for _, role := range roles {
		if _, ok := p.Groups[role]; ok && role != "" {
			return role
		}
	}
	return ""
}

// Permission evaluates the policy for role. A missing rule yields DisallowAll.
func (p *Policy) Permission(role string, objectType kmip14.ObjectType, operation kmip14.Operation) Permission {
	perm, _ := p.Rules(role).Lookup(objectType, operation)
	return perm
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	c := &Policy{Name: p.Name, Preset: p.Preset.clone()}
	if p.Groups != nil {
		c.Groups = make(map[string]Rules, len(p.Groups))
		for role, rules := range p.Groups {
			c.Groups[role] = rules.clone()
		}
	}
	return c
}

var objectTypeNames = map[string]kmip14.ObjectType{
	"CERTIFICATE":   kmip14.ObjectTypeCertificate,
	"SYMMETRIC_KEY": kmip14.ObjectTypeSymmetricKey,
	"PUBLIC_KEY":    kmip14.ObjectTypePublicKey,
	"PRIVATE_KEY":   kmip14.ObjectTypePrivateKey,
	"SPLIT_KEY":     kmip14.ObjectTypeSplitKey,
	"TEMPLATE":      kmip14.ObjectTypeTemplate,
	"SECRET_DATA":   kmip14.ObjectTypeSecretData,
	"OPAQUE_DATA":   kmip14.ObjectTypeOpaqueObject,
}

var operationNames = map[string]kmip14.Operation{
	"CREATE":             kmip14.OperationCreate,
	"CREATE_KEY_PAIR":    kmip14.OperationCreateKeyPair,
	"REGISTER":           kmip14.OperationRegister,
	"LOCATE":             kmip14.OperationLocate,
	"CHECK":              kmip14.OperationCheck,
	"GET":                kmip14.OperationGet,
	"GET_ATTRIBUTES":     kmip14.OperationGetAttributes,
	"GET_ATTRIBUTE_LIST": kmip14.OperationGetAttributeList,
	"ADD_ATTRIBUTE":      kmip14.OperationAddAttribute,
	"MODIFY_ATTRIBUTE":   kmip14.OperationModifyAttribute,
	"DELETE_ATTRIBUTE":   kmip14.OperationDeleteAttribute,
	"ACTIVATE":           kmip14.OperationActivate,
	"REVOKE":             kmip14.OperationRevoke,
	"DESTROY":            kmip14.OperationDestroy,
	"ARCHIVE":            kmip14.OperationArchive,
	"RECOVER":            kmip14.OperationRecover,
	"ENCRYPT":            kmip14.OperationEncrypt,
	"DECRYPT":            kmip14.OperationDecrypt,
}

// ObjectTypeName returns the policy-file name of an object type.
func ObjectTypeName(t kmip14.ObjectType) string {
	for name, v := range objectTypeNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("%v", t)
}

// OperationName returns the policy-file name of an operation.
func OperationName(op kmip14.Operation) string {
	for name, v := range operationNames {
		if v == op {
			return name
		}
	}
	return fmt.Sprintf("%v", op)
}
