package policy

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/gosimple/slug"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrPolicyParse marks a malformed policy definition
var ErrPolicyParse = errors.New("policy parse error")

// IsPolicyFile reports whether path has a policy file extension.
func IsPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ParseFile parses the contents of a policy file.
//
// The file holds a mapping from policy name to policy body, where a body
// has "preset" and/or "groups" sections. A body without either section is
// read as preset rules. A file whose top level is itself a policy body
// defines a single policy named after the file.
func ParseFile(path string, data []byte) ([]*Policy, error) {
	var doc map[string]interface{}

	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrPolicyParse, "%s: %s", path, err)
	}
	if len(doc) == 0 {
		return nil, errors.Wrapf(ErrPolicyParse, "%s: no policies defined", path)
	}

	if isPolicyBody(doc) {
		name := slug.Make(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		p, err := parsePolicy(name, doc)
		if err != nil {
			return nil, errors.Wrapf(ErrPolicyParse, "%s: %s", path, err)
		}
		return []*Policy{p}, nil
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	policies := make([]*Policy, 0, len(names))
	for _, name := range names {
		body, ok := doc[name].(map[string]interface{})
		if !ok {
			return nil, errors.Wrapf(ErrPolicyParse, "%s: policy %q is not a mapping", path, name)
		}
		p, err := parsePolicy(name, body)
		if err != nil {
			return nil, errors.Wrapf(ErrPolicyParse, "%s: policy %q: %s", path, name, err)
		}
		policies = append(policies, p)
	}

	return policies, nil
}

func isPolicyBody(doc map[string]interface{}) bool {
	for key := range doc {
		if key == "preset" || key == "groups" {
			return true
		}
		if _, ok := objectTypeNames[key]; ok {
			return true
		}
	}
	return false
}

func parsePolicy(name string, body map[string]interface{}) (*Policy, error) {
	if name == "" {
		return nil, errors.New("empty policy name")
	}

	p := &Policy{Name: name}

	_, hasPreset := body["preset"]
	_, hasGroups := body["groups"]
	if !hasPreset && !hasGroups {
		rules, err := parseRules(body)
		if err != nil {
			return nil, err
		}
		p.Preset = rules
		return p, nil
	}

	for key := range body {
		if key != "preset" && key != "groups" {
			return nil, errors.Errorf("unexpected section %q", key)
		}
	}

	if hasPreset {
		section, ok := body["preset"].(map[string]interface{})
		if !ok {
			return nil, errors.New("preset section is not a mapping")
		}
		rules, err := parseRules(section)
		if err != nil {
			return nil, errors.Wrap(err, "preset")
		}
		p.Preset = rules
	}

	if hasGroups {
		groups, ok := body["groups"].(map[string]interface{})
		if !ok {
			return nil, errors.New("groups section is not a mapping")
		}
		p.Groups = make(map[string]Rules, len(groups))
		for role, v := range groups {
			section, ok := v.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("group %q is not a mapping", role)
			}
			rules, err := parseRules(section)
			if err != nil {
				return nil, errors.Wrapf(err, "group %q", role)
			}
			p.Groups[role] = rules
		}
	}

	return p, nil
}

func parseRules(section map[string]interface{}) (Rules, error) {
	rules := make(Rules, len(section))

	for typeName, v := range section {
		objectType, ok := objectTypeNames[typeName]
		if !ok {
			return nil, errors.Errorf("unknown object type %q", typeName)
		}

		ops, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("rules for %s are not a mapping", typeName)
		}

		rules[objectType] = make(map[kmip14.Operation]Permission, len(ops))
		for opName, pv := range ops {
			op, ok := operationNames[opName]
			if !ok {
				return nil, errors.Errorf("unknown operation %q", opName)
			}
			permName, ok := pv.(string)
			if !ok {
				return nil, errors.Errorf("permission for %s/%s is not a string", typeName, opName)
			}
			perm, ok := permissionNames[permName]
			if !ok {
				return nil, errors.Errorf("unknown permission %q", permName)
			}
			rules[objectType][op] = perm
		}
	}

	return rules, nil
}
