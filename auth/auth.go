// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package auth decides Permit or Deny for a (session, operation, resource)
// triple against the compiled group permissions.
package auth

import (
	"strings"
	"sync"

	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
	"github.com/aws-greengrass/client-device-auth/policy"
	"github.com/aws-greengrass/client-device-auth/session"
)

// Request is one authorization question.
type Request struct {
	SessionID string
	Operation string
	Resource  string
}

// Engine evaluates authorization requests. The compiled group
// configuration is swapped atomically on configuration change; requests
// read whichever compile was current when they started.
type Engine struct {
	sessions *session.Manager

	mu     sync.RWMutex
	groups *policy.GroupConfiguration

	log   blog.Logger
	stats metrics.Scope
}

// NewEngine builds an Engine over the session manager. The engine denies
// everything until a group configuration is installed.
func NewEngine(sessions *session.Manager, logger blog.Logger, stats metrics.Scope) *Engine {
	return &Engine{sessions: sessions, log: logger, stats: stats}
}

// UpdateGroups installs a newly compiled group configuration.
func (e *Engine) UpdateGroups(groups *policy.GroupConfiguration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = groups
}

// Authorize resolves the session and evaluates the applicable group
// permissions. Any matching ALLOW permission permits; there are no
// ordering semantics and DENY is not honored.
func (e *Engine) Authorize(req Request) (bool, error) {
	if req.Operation == "" || req.Resource == "" {
		return false, cdaerr.InvalidArgumentError("operation and resource are required")
	}

	s, err := e.sessions.Resolve(req.SessionID)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	groups := e.groups
	e.mu.RUnlock()
	if groups == nil {
		e.stats.Inc("Authorization.Deny", 1)
		return false, nil
	}

	for _, groupName := range groups.MatchingGroups(s) {
		for _, permission := range groups.PermissionsForGroup(groupName) {
			if e.permissionMatches(permission, s, req.Operation, req.Resource) {
				e.stats.Inc("Authorization.Permit", 1)
				return true, nil
			}
		}
	}
	e.stats.Inc("Authorization.Deny", 1)
	return false, nil
}

// permissionMatches checks one permission against the request. A
// permission whose resource variables cannot all be resolved is skipped,
// not an error for the whole request.
func (e *Engine) permissionMatches(permission core.Permission, s *session.Session, operation, resource string) bool {
	if !operationMatches(permission.Operation, operation) {
		return false
	}
	substituted, ok := e.substituteVariables(permission, s)
	if !ok {
		return false
	}
	return resourceMatches(substituted, resource)
}

// operationMatches treats "*" as a whole-field wildcard; anything else is
// an exact comparison.
func operationMatches(pattern, operation string) bool {
	return pattern == "*" || pattern == operation
}

// resourceMatches treats "*" as a whole-field wildcard and a trailing "*"
// as a prefix match; anything else is an exact comparison.
func resourceMatches(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	if prefix := strings.TrimSuffix(pattern, "*"); len(prefix) != len(pattern) {
		return strings.HasPrefix(resource, prefix)
	}
	return pattern == resource
}

// substituteVariables replaces each policy variable in the permission's
// resource with the session's attribute value.
func (e *Engine) substituteVariables(permission core.Permission, s *session.Session) (string, bool) {
	resource := permission.Resource
	for _, variable := range permission.ResourcePolicyVariables {
		value, ok := e.resolveVariable(variable, s)
		if !ok {
			e.log.Debugf("Policy variable %s unresolvable for session, skipping permission on %s", variable, permission.Resource)
			return "", false
		}
		resource = strings.ReplaceAll(resource, variable, value)
	}
	return resource, true
}

func (e *Engine) resolveVariable(variable string, s *session.Session) (string, bool) {
	if variable == policy.ThingNameVariable {
		return s.Attribute(session.ThingNamespace, "ThingName")
	}
	if key, ok := policy.AttributeKey(variable); ok {
		return s.Attribute(session.ThingNamespace, key)
	}
	return "", false
}
