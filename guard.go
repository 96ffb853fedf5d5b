package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"context"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"

	"github.com/infisical/kmip-engine/policy"
	"github.com/infisical/kmip-engine/store"
)

// Guard resolves managed objects for a session and checks the operation
// policy attached to each object.
type Guard struct {
	Objects  store.ObjectStore
	Policies *policy.Store
}

// ResolveForAccess looks up the object named by id (or the session
// placeholder when id is empty) and verifies that the session may perform
// operation on it.
//
// The whole decision is taken against a single policy snapshot. Usage mask
// and lifecycle state are not checked here.
func (g *Guard) ResolveForAccess(ctx context.Context, session *SessionContext, id string, operation kmip14.Operation) (*store.ManagedObject, error) {
	if id == "" {
		id = session.IDPlaceholder
	}
	if id == "" {
		return nil, errors.Wrap(ErrObjectNotFound, "no unique identifier given and no ID placeholder set")
	}

	obj, err := g.Objects.Get(session.Context(ctx), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrObjectNotFound, "object %q", id)
	}
	if err != nil {
		return nil, err
	}

	policyName := obj.PolicyName
	if policyName == "" {
		policyName = store.DefaultPolicyName
	}

	isOwner := obj.Owner != "" && obj.Owner == session.SessionAuth.Identity

	snapshot := g.Policies.Load()
	role := snapshot.GroupFor(policyName, session.SessionAuth.Roles)
	if !snapshot.IsAllowed(policyName, role, obj.ObjectType, operation, isOwner) {
		return nil, errors.Wrapf(ErrPermissionDenied, "%s on object %q under policy %q", policy.OperationName(operation), id, policyName)
	}

	return obj, nil
}
