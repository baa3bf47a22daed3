// Package mocks holds hand-written mocks shared by the package tests.
package mocks

import (
	"context"
	"sync"

	"github.com/aws-greengrass/client-device-auth/cloud"
	"github.com/aws-greengrass/client-device-auth/core"
)

// ControlPlane is a mock cloud.ControlPlaneClient. Test cases prime its
// maps and error fields to steer each call.
type ControlPlane struct {
	sync.Mutex

	// ActiveCertificates maps certificate fingerprints to whether the
	// cloud reports them active. A fingerprint absent from the map is
	// "not found".
	ActiveCertificates map[string]bool

	// Associations maps thing names to the set of certificate
	// fingerprints the cloud associates with them.
	Associations map[string]map[string]bool

	// Devices is the paginated association listing, returned PageSize
	// at a time (everything at once when PageSize is 0).
	Devices  []core.AssociatedClientDevice
	PageSize int

	// Error overrides: when non-nil, the corresponding call fails.
	VerifyIdentityErr error
	AssociationErr    error
	ListErr           error

	// ListErrAfterPages makes listing fail once that many pages have
	// been served, to exercise mid-stream failures. Zero disables it.
	ListErrAfterPages int

	// Call counters.
	VerifyIdentityCalls int
	AssociationCalls    int
	ListCalls           int
}

var _ cloud.ControlPlaneClient = (*ControlPlane)(nil)

// NewControlPlane returns an empty mock: every certificate is unknown and
// no associations exist.
func NewControlPlane() *ControlPlane {
	return &ControlPlane{
		ActiveCertificates: map[string]bool{},
		Associations:       map[string]map[string]bool{},
	}
}

// Associate primes an association and marks the certificate active.
func (m *ControlPlane) Associate(thingName, certificateID string) {
	m.Lock()
	defer m.Unlock()
	m.ActiveCertificates[certificateID] = true
	if m.Associations[thingName] == nil {
		m.Associations[thingName] = map[string]bool{}
	}
	m.Associations[thingName][certificateID] = true
}

// VerifyClientDeviceIdentity is a mock
func (m *ControlPlane) VerifyClientDeviceIdentity(_ context.Context, certificatePEM []byte) (bool, error) {
	m.Lock()
	defer m.Unlock()
	m.VerifyIdentityCalls++
	if m.VerifyIdentityErr != nil {
		return false, m.VerifyIdentityErr
	}
	cert, err := core.ParseCertificatePEM(certificatePEM)
	if err != nil {
		return false, cloud.ErrInvalidRequest
	}
	active, ok := m.ActiveCertificates[core.Fingerprint256Hex(cert.Raw)]
	if !ok {
		return false, cloud.ErrResourceNotFound
	}
	return active, nil
}

// VerifyClientDeviceIoTCertificateAssociation is a mock
func (m *ControlPlane) VerifyClientDeviceIoTCertificateAssociation(_ context.Context, thingName, certificateID string) error {
	m.Lock()
	defer m.Unlock()
	m.AssociationCalls++
	if m.AssociationErr != nil {
		return m.AssociationErr
	}
	if m.Associations[thingName][certificateID] {
		return nil
	}
	return cloud.ErrResourceNotFound
}

// ListClientDevicesAssociatedWithCoreDevice is a mock
func (m *ControlPlane) ListClientDevicesAssociatedWithCoreDevice(_ context.Context, pageToken string) ([]core.AssociatedClientDevice, string, error) {
	m.Lock()
	defer m.Unlock()
	m.ListCalls++
	if m.ListErr != nil {
		return nil, "", m.ListErr
	}
	if m.ListErrAfterPages > 0 && m.ListCalls > m.ListErrAfterPages {
		return nil, "", cloud.ErrInvalidRequest
	}

	start := 0
	if pageToken != "" {
		for i, d := range m.Devices {
			if d.ThingName == pageToken {
				start = i
				break
			}
		}
	}
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = len(m.Devices) - start
	}
	end := start + pageSize
	if end >= len(m.Devices) {
		return m.Devices[start:], "", nil
	}
	return m.Devices[start:end], m.Devices[end].ThingName, nil
}
