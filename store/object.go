// Package store holds the managed-object persistence used by the KMIP
// server: a gorm-backed SQL store for local deployments and a remote store
// that proxies object lookups to the Infisical KMIP operations API.
package store

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"context"
	"time"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"
)

// DefaultPolicyName is the operation policy assigned to objects created
// without an explicit policy.
const DefaultPolicyName = "default"

var (
	// ErrNotFound is returned when no object exists with the requested identifier.
	ErrNotFound = errors.New("object not found")

	// ErrUnsupported is returned when a backend cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by object store")
)

// ManagedObject is a server-held cryptographic object
type ManagedObject struct {
	ID         string
	ObjectType kmip14.ObjectType
	State      kmip14.State
	UsageMask  kmip14.CryptographicUsageMask

	Algorithm kmip14.CryptographicAlgorithm
	Length    int
	Value     []byte

	// Owner is the session identity that created the object
	Owner string
	// PolicyName names the operation policy governing access to the object
	PolicyName string

	CreatedAt time.Time
}

// Permits reports whether every bit of mask is present in the usage mask.
func (o *ManagedObject) Permits(mask kmip14.CryptographicUsageMask) bool {
	return o.UsageMask&mask == mask
}

// Clone returns a deep copy of the object.
func (o *ManagedObject) Clone() *ManagedObject {
	c := *o
	c.Value = append([]byte(nil), o.Value...)
	return &c
}

// ObjectStore persists managed objects.
//
// Implementations must return copies from Get: callers are free to hold the
// returned object for the lifetime of a request without observing
// concurrent updates.
type ObjectStore interface {
	Get(ctx context.Context, id string) (*ManagedObject, error)
	Create(ctx context.Context, obj *ManagedObject) (string, error)
	SetState(ctx context.Context, id string, state kmip14.State) error
	Destroy(ctx context.Context, id string) error
}

// SelfManaged is implemented by stores that generate key material and run
// the key lifecycle on their own side. Objects created in such a store are
// active at once and may be destroyed in any state.
type SelfManaged interface {
	ObjectStore
	SelfManaged()
}

// IsSelfManaged reports whether objects implements SelfManaged.
func IsSelfManaged(objects ObjectStore) bool {
	_, ok := objects.(SelfManaged)
	return ok
}

type clientContextKey struct{}

type clientInfo struct {
	identity string
	token    string
}

// WithClient returns a context carrying the authenticated client identity
// and its session token.
func WithClient(ctx context.Context, identity, token string) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientInfo{identity: identity, token: token})
}

// ClientFromContext returns the identity and token stored by WithClient.
func ClientFromContext(ctx context.Context) (identity, token string) {
	info, _ := ctx.Value(clientContextKey{}).(clientInfo)
	return info.identity, info.token
}
