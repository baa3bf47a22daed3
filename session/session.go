// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session tracks authenticated client device sessions, keyed by
// opaque capability tokens.
package session

import (
	"time"

	"github.com/aws-greengrass/client-device-auth/core"
)

// Attribute namespaces always populated on a session.
const (
	CertificateNamespace = "Certificate"
	ThingNamespace       = "Thing"

	certificateIDAttribute = "CertificateId"
	thingNameAttribute     = "ThingName"
)

// Session is the server-side record of an authenticated client. It holds
// the certificate ID rather than the record itself; resolution goes back
// through the registry on demand.
type Session struct {
	id            string
	certificateID string
	thing         *core.Thing
	providers     map[string]core.DeviceAttributeProvider
	createdAt     time.Time
	lastUsed      time.Time
}

func newSession(id, certificateID string, thing *core.Thing, now time.Time) *Session {
	s := &Session{
		id:            id,
		certificateID: certificateID,
		thing:         thing,
		providers:     map[string]core.DeviceAttributeProvider{},
		createdAt:     now,
		lastUsed:      now,
	}
	s.providers[CertificateNamespace] = certificateAttributeProvider{certificateID: certificateID}
	if thing != nil {
		s.providers[ThingNamespace] = thingAttributeProvider{thing: thing}
	}
	return s
}

// ID returns the session token.
func (s *Session) ID() string {
	return s.id
}

// CertificateID returns the fingerprint of the certificate the session was
// authenticated with.
func (s *Session) CertificateID() string {
	return s.certificateID
}

// Thing returns the attached Thing, or nil when the session has none.
func (s *Session) Thing() *core.Thing {
	return s.thing
}

// CreatedAt returns the session creation instant.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastUsed returns the instant the session was last resolved.
func (s *Session) LastUsed() time.Time {
	return s.lastUsed
}

// Attribute resolves a namespaced device attribute. It implements
// policy.DeviceView.
func (s *Session) Attribute(namespace, name string) (string, bool) {
	provider, ok := s.providers[namespace]
	if !ok {
		return "", false
	}
	value, ok := provider.DeviceAttributes()[name]
	return value, ok
}

// AttributeProvider returns the provider for a namespace, if present.
func (s *Session) AttributeProvider(namespace string) (core.DeviceAttributeProvider, bool) {
	provider, ok := s.providers[namespace]
	return provider, ok
}

type certificateAttributeProvider struct {
	certificateID string
}

func (p certificateAttributeProvider) Namespace() string {
	return CertificateNamespace
}

func (p certificateAttributeProvider) DeviceAttributes() map[string]string {
	return map[string]string{certificateIDAttribute: p.certificateID}
}

type thingAttributeProvider struct {
	thing *core.Thing
}

func (p thingAttributeProvider) Namespace() string {
	return ThingNamespace
}

func (p thingAttributeProvider) DeviceAttributes() map[string]string {
	attributes := map[string]string{thingNameAttribute: p.thing.Name}
	for k, v := range p.thing.Attributes {
		attributes[k] = v
	}
	return attributes
}
