package policy

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gemalto/kmip-go/kmip14"
)

// Snapshot is one immutable generation of the policy set.
type Snapshot struct {
	generation uint64
	policies   map[string]*Policy
	live       []string
}

func newSnapshot(generation uint64, policies []*Policy, live []string) *Snapshot {
	s := &Snapshot{
		generation: generation,
		policies:   make(map[string]*Policy, len(policies)),
		live:       append([]string(nil), live...),
	}
	for _, p := range policies {
		s.policies[p.Name] = p.Clone()
	}
	sort.Strings(s.live)
	return s
}

// Generation increases by one with every published snapshot.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Policy looks up a policy by name.
func (s *Snapshot) Policy(name string) (*Policy, bool) {
	p, ok := s.policies[name]
	return p, ok
}

// Names lists all policy names in the snapshot, sorted.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Live lists the names of policies loaded from policy files, sorted.
func (s *Snapshot) Live() []string {
	return append([]string(nil), s.live...)
}

// GroupFor returns the first of roles naming a group of the named policy,
// or "" if there is none.
func (s *Snapshot) GroupFor(policyName string, roles []string) string {
	p, ok := s.policies[policyName]
	if !ok {
		return ""
	}
	return p.GroupFor(roles)
}

// IsAllowed evaluates the named policy. An unknown policy denies.
func (s *Snapshot) IsAllowed(policyName, role string, objectType kmip14.ObjectType, operation kmip14.Operation, isOwner bool) bool {
	p, ok := s.policies[policyName]
	if !ok {
		return false
	}

	switch p.Permission(role, objectType, operation) {
	case AllowAll:
		return true
	case AllowOwner:
		return isOwner
	default:
		return false
	}
}

// Store publishes the live policy set.
//
// Readers call Load once per request and keep using the returned snapshot;
// they never block. Replace builds a complete new snapshot before
// publishing it with a single atomic store.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store whose first generation holds the built-in policies.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(newSnapshot(1, Builtin(), nil))
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Replace publishes policies as the new live set and returns the new snapshot.
func (s *Store) Replace(policies []*Policy, live []string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := newSnapshot(s.current.Load().generation+1, policies, live)
	s.current.Store(next)

	return next
}
