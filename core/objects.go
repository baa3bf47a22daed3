// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"regexp"
	"time"

	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
)

// CAType identifies the key algorithm and signature scheme of the local
// certificate authority.
type CAType string

// CertificateStatus defines the verification state of a client certificate
type CertificateStatus string

// ConnectionState defines the gateway's view of cloud reachability
type ConnectionState string

// The supported certificate authority types. RSA_2048 is the default when
// the configuration does not name one.
const (
	CATypeRSA2048   = CAType("RSA_2048")
	CATypeECDSAP256 = CAType("ECDSA_P256")
)

// These statuses are the states of client certificate verification
const (
	StatusActive  = CertificateStatus("ACTIVE")
	StatusUnknown = CertificateStatus("UNKNOWN")
)

// The network states published on the event bus
const (
	NetworkUp   = ConnectionState("NETWORK_UP")
	NetworkDown = ConnectionState("NETWORK_DOWN")
)

// CATypeFromList picks the configured CA type out of the configuration
// list form. An empty list selects the default.
func CATypeFromList(types []string) (CAType, error) {
	if len(types) == 0 {
		return CATypeRSA2048, nil
	}
	switch CAType(types[0]) {
	case CATypeRSA2048:
		return CATypeRSA2048, nil
	case CATypeECDSAP256:
		return CATypeECDSAP256, nil
	}
	return "", cdaerr.InvalidConfigurationError("unsupported CA type %q", types[0])
}

// CertificateRecord is the registry's view of a client certificate: the
// canonical fingerprint, the last verification answer, and when that answer
// was obtained. The PEM itself lives in the content-addressed blob store
// under the same ID.
type CertificateRecord struct {
	// ID is hexLower(SHA-256(DER(cert))), 64 hex characters.
	ID string

	// StoredStatus is the status as last written, with no regard for how
	// stale it is. Readers should normally go through Status().
	StoredStatus CertificateStatus

	// LastUpdated is the instant StoredStatus was last refreshed.
	LastUpdated time.Time
}

// Status returns the record's effective status: cloud metadata is only
// honored while it is inside the trust window.
func (r *CertificateRecord) Status(now time.Time, trustDuration time.Duration) CertificateStatus {
	if !r.Trusted(now, trustDuration) {
		return StatusUnknown
	}
	return r.StoredStatus
}

// Trusted reports whether the stored status is still inside the trust
// window at the given instant.
func (r *CertificateRecord) Trusted(now time.Time, trustDuration time.Duration) bool {
	return now.Sub(r.LastUpdated) < trustDuration
}

var thingNameRegexp = regexp.MustCompile(`^[A-Za-z0-9\-_:]+$`)

// ValidThingName reports whether name is an acceptable IoT Thing name.
func ValidThingName(name string) bool {
	return thingNameRegexp.MatchString(name)
}

// Thing is the local projection of a cloud-registered client device
// identity: its name, the certificates known to be attached to it, and the
// instant each attachment was last verified against the cloud.
type Thing struct {
	Name string

	// Version increases monotonically each time the Thing is persisted
	// with changes.
	Version uint64

	// Attachments maps certificate IDs to the instant the Thing-to-
	// certificate association was last verified.
	Attachments map[string]time.Time

	// Attributes carries the cloud-side attribute map when one has been
	// fetched. It is not persisted.
	Attributes map[string]string

	modified bool
}

// NewThing constructs a Thing after validating the name.
func NewThing(name string) (*Thing, error) {
	if !ValidThingName(name) {
		return nil, cdaerr.InvalidArgumentError("invalid thing name %q", name)
	}
	return &Thing{
		Name:        name,
		Attachments: map[string]time.Time{},
	}, nil
}

// AttachCertificate records that certID is attached to this Thing, verified
// at the given instant.
func (t *Thing) AttachCertificate(certID string, verifiedAt time.Time) {
	if t.Attachments == nil {
		t.Attachments = map[string]time.Time{}
	}
	t.Attachments[certID] = verifiedAt
	t.modified = true
}

// DetachCertificate removes the attachment for certID, if present.
func (t *Thing) DetachCertificate(certID string) {
	if _, ok := t.Attachments[certID]; !ok {
		return
	}
	delete(t.Attachments, certID)
	t.modified = true
}

// IsAttached reports whether certID is attached to this Thing.
func (t *Thing) IsAttached(certID string) bool {
	_, ok := t.Attachments[certID]
	return ok
}

// Modified reports whether the Thing has unpersisted changes.
func (t *Thing) Modified() bool {
	return t.modified
}

// ClearModified is called by the registry once the Thing has been written.
func (t *Thing) ClearModified() {
	t.modified = false
}

// Equal compares two Things. A modified Thing never compares equal, which
// forces it through the registry's write path.
func (t *Thing) Equal(other *Thing) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.modified || other.modified {
		return false
	}
	if t.Name != other.Name || t.Version != other.Version {
		return false
	}
	if len(t.Attachments) != len(other.Attachments) {
		return false
	}
	for id, at := range t.Attachments {
		o, ok := other.Attachments[id]
		if !ok || !at.Equal(o) {
			return false
		}
	}
	return true
}

// Permission is a single compiled ALLOW grant: a group may perform an
// operation on a resource. ResourcePolicyVariables lists the ${ns:attr}
// tokens found in Resource, to be substituted at authorization time.
type Permission struct {
	Principal               string
	Operation               string
	Resource                string
	ResourcePolicyVariables []string
}

// AssociatedClientDevice is one element of the cloud's list of client
// devices associated with this core device.
type AssociatedClientDevice struct {
	ThingName string
}
