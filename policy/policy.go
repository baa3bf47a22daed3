// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package policy compiles device group definitions and their ALLOW policy
// statements into permission sets, and evaluates group membership for
// authenticated devices.
package policy

import (
	"sort"

	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
)

// Effect is the policy statement effect. Only ALLOW is honored; DENY is
// reserved in the data model and never matches.
type Effect string

const (
	EffectAllow = Effect("ALLOW")
	EffectDeny  = Effect("DENY")
)

// GroupDefinition selects a set of devices by rule and names the policy
// that applies to them.
type GroupDefinition struct {
	SelectionRule string
	PolicyName    string

	rule Expression
}

// NewGroupDefinition parses the selection rule; a rule that does not parse
// is a construction error.
func NewGroupDefinition(selectionRule, policyName string) (*GroupDefinition, error) {
	rule, err := ParseSelectionRule(selectionRule)
	if err != nil {
		return nil, err
	}
	return &GroupDefinition{
		SelectionRule: selectionRule,
		PolicyName:    policyName,
		rule:          rule,
	}, nil
}

// Matches evaluates the compiled selection rule against a device view.
func (d *GroupDefinition) Matches(view DeviceView) bool {
	return d.rule.Evaluate(view)
}

// Statement is one statement of a named policy: an effect applied to the
// cross product of operations and resources.
type Statement struct {
	Effect     Effect
	Operations []string
	Resources  []string
}

// Document is a named policy: statement ID to statement.
type Document map[string]Statement

// GroupConfiguration is the compiled form of the deviceGroups
// configuration subtree.
type GroupConfiguration struct {
	Definitions map[string]*GroupDefinition
	Policies    map[string]Document

	groupToPermissions          map[string][]core.Permission
	hasDeviceAttributeVariables bool
}

// NewGroupConfiguration compiles definitions and policies into permission
// sets. Group definitions referencing a missing policy and resources
// containing unknown ${...} tokens are PolicyViolation errors.
func NewGroupConfiguration(definitions map[string]*GroupDefinition, policies map[string]Document) (*GroupConfiguration, error) {
	gc := &GroupConfiguration{
		Definitions:        definitions,
		Policies:           policies,
		groupToPermissions: map[string][]core.Permission{},
	}

	// Deterministic compile order keeps log output and error selection
	// stable across restarts.
	groupNames := make([]string, 0, len(definitions))
	for name := range definitions {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	for _, groupName := range groupNames {
		def := definitions[groupName]
		document, ok := policies[def.PolicyName]
		if !ok {
			return nil, cdaerr.PolicyViolationError("Policy definition %s does not have a corresponding policy", def.PolicyName)
		}
		permissions, hasVariables, err := compileDocument(groupName, document)
		if err != nil {
			return nil, err
		}
		gc.groupToPermissions[groupName] = permissions
		gc.hasDeviceAttributeVariables = gc.hasDeviceAttributeVariables || hasVariables
	}
	return gc, nil
}

// compileDocument expands a policy document's ALLOW statements across
// operations × resources, validating policy variables as it goes.
func compileDocument(groupName string, document Document) ([]core.Permission, bool, error) {
	statementIDs := make([]string, 0, len(document))
	for id := range document {
		statementIDs = append(statementIDs, id)
	}
	sort.Strings(statementIDs)

	var permissions []core.Permission
	hasVariables := false
	for _, id := range statementIDs {
		statement := document[id]
		if statement.Effect != EffectAllow {
			// DENY is reserved; it compiles but grants nothing.
			continue
		}
		for _, operation := range statement.Operations {
			if operation == "" {
				continue
			}
			for _, resource := range statement.Resources {
				if resource == "" {
					continue
				}
				variables := ExtractVariables(resource)
				for _, v := range variables {
					if !IsKnownVariable(v) {
						return nil, false, cdaerr.PolicyViolationError("Policy contains unknown variables")
					}
					if _, ok := AttributeKey(v); ok {
						hasVariables = true
					}
				}
				permissions = append(permissions, core.Permission{
					Principal:               groupName,
					Operation:               operation,
					Resource:                resource,
					ResourcePolicyVariables: variables,
				})
			}
		}
	}
	return permissions, hasVariables, nil
}

// PermissionsForGroup returns the compiled permission set of one group.
func (gc *GroupConfiguration) PermissionsForGroup(groupName string) []core.Permission {
	return gc.groupToPermissions[groupName]
}

// MatchingGroups returns the names of every group whose selection rule
// matches the device view, sorted.
func (gc *GroupConfiguration) MatchingGroups(view DeviceView) []string {
	var matched []string
	for name, def := range gc.Definitions {
		if def.Matches(view) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	return matched
}

// HasDeviceAttributeVariables reports whether any compiled resource uses a
// Thing attribute variable.
func (gc *GroupConfiguration) HasDeviceAttributeVariables() bool {
	return gc.hasDeviceAttributeVariables
}
