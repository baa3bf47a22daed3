// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cloud adapts the IoT control plane's verify/list API into local
// domain types. The control plane SDK itself stays behind the
// ControlPlaneClient interface; this package only decides what the remote
// answers mean.
package cloud

import (
	"context"
	"errors"
	"time"

	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
)

// DefaultRequestTimeout bounds every control plane call.
const DefaultRequestTimeout = 30 * time.Second

// Sentinel errors a ControlPlaneClient implementation returns (possibly
// wrapped) to report definitive negative answers, as opposed to transport
// failures.
var (
	// ErrResourceNotFound means the certificate or association does not
	// exist in the cloud account.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrInvalidRequest means the cloud rejected the input as malformed.
	ErrInvalidRequest = errors.New("invalid request")
)

// ControlPlaneClient is the narrow surface of the IoT control plane this
// service needs. Production wiring binds it to the cloud SDK; tests use
// the mock in the mocks package.
type ControlPlaneClient interface {
	// VerifyClientDeviceIdentity checks a client certificate against the
	// cloud account and reports whether it is active.
	VerifyClientDeviceIdentity(ctx context.Context, certificatePEM []byte) (active bool, err error)

	// VerifyClientDeviceIoTCertificateAssociation checks that the named
	// Thing is associated with the certificate. A nil error means
	// associated; ErrResourceNotFound means definitively not.
	VerifyClientDeviceIoTCertificateAssociation(ctx context.Context, thingName, certificateID string) error

	// ListClientDevicesAssociatedWithCoreDevice returns one page of
	// associated client devices plus the token for the next page, empty
	// when exhausted.
	ListClientDevicesAssociatedWithCoreDevice(ctx context.Context, pageToken string) (devices []core.AssociatedClientDevice, nextToken string, err error)
}

// Verifier is the stateless adapter over the control plane client.
type Verifier struct {
	client  ControlPlaneClient
	timeout time.Duration
	log     blog.Logger
}

// NewVerifier builds a Verifier. A zero timeout selects the default.
func NewVerifier(client ControlPlaneClient, timeout time.Duration, logger blog.Logger) *Verifier {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Verifier{client: client, timeout: timeout, log: logger}
}

// VerifyCertificate asks the cloud whether the PEM-encoded certificate is
// active. Definitive "not found" and "invalid" answers map to UNKNOWN; a
// PEM that does not parse locally is an InvalidCertificate error, never
// UNKNOWN; all other failures surface as CloudServiceInteraction.
func (v *Verifier) VerifyCertificate(ctx context.Context, certificatePEM []byte) (core.CertificateStatus, error) {
	if _, err := core.ParseCertificatePEM(certificatePEM); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	active, err := v.client.VerifyClientDeviceIdentity(ctx, certificatePEM)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) || errors.Is(err, ErrInvalidRequest) {
			return core.StatusUnknown, nil
		}
		return "", cdaerr.CloudServiceInteractionError("verifying client device identity: %s", err)
	}
	if !active {
		return core.StatusUnknown, nil
	}
	return core.StatusActive, nil
}

// VerifyThingCertificateAssociation asks the cloud whether the Thing and
// certificate are associated. A definitive "not found" is (false, nil);
// transport failures surface as errors.
func (v *Verifier) VerifyThingCertificateAssociation(ctx context.Context, thingName, certificateID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	err := v.client.VerifyClientDeviceIoTCertificateAssociation(ctx, thingName, certificateID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return false, nil
		}
		return false, cdaerr.CloudServiceInteractionError("verifying thing %s association: %s", thingName, err)
	}
	return true, nil
}

// ListThingsAssociatedWithCore returns an iterator over the client devices
// the cloud associates with this core. Page fetches happen lazily; a
// mid-stream failure ends the iteration and is reported by Err.
func (v *Verifier) ListThingsAssociatedWithCore(ctx context.Context) *ThingIterator {
	return &ThingIterator{verifier: v, ctx: ctx}
}

// ThingIterator walks the paginated association list.
type ThingIterator struct {
	verifier *Verifier
	ctx      context.Context

	buffer    []core.AssociatedClientDevice
	nextToken string
	current   core.AssociatedClientDevice
	started   bool
	exhausted bool
	err       error
}

// Next advances the iterator, fetching the next page when the buffer runs
// dry. It returns false when the listing is exhausted or a fetch failed.
func (it *ThingIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.buffer) == 0 {
		if it.started && it.nextToken == "" {
			it.exhausted = true
			return false
		}
		ctx, cancel := context.WithTimeout(it.ctx, it.verifier.timeout)
		devices, token, err := it.verifier.client.ListClientDevicesAssociatedWithCoreDevice(ctx, it.nextToken)
		cancel()
		if err != nil {
			it.err = cdaerr.CloudServiceInteractionError("listing associated client devices: %s", err)
			return false
		}
		it.started = true
		it.buffer = devices
		it.nextToken = token
	}
	it.current = it.buffer[0]
	it.buffer = it.buffer[1:]
	return true
}

// Device returns the element the last successful Next call reached.
func (it *ThingIterator) Device() core.AssociatedClientDevice {
	return it.current
}

// Err reports the failure that ended iteration, if any.
func (it *ThingIterator) Err() error {
	return it.err
}
