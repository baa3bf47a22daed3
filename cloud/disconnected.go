// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cloud

import (
	"context"
	"errors"

	"github.com/aws-greengrass/client-device-auth/core"
)

// ErrNotConnected is returned by DisconnectedClient. It reads as a
// transient cloud failure, so cached trust keeps working and the
// reconciler retries on its normal schedule.
var ErrNotConnected = errors.New("control plane client not configured")

// DisconnectedClient is the ControlPlaneClient used when no control plane
// binding has been registered, e.g. running fully offline. Every call
// fails as a transient error.
type DisconnectedClient struct{}

var _ ControlPlaneClient = DisconnectedClient{}

func (DisconnectedClient) VerifyClientDeviceIdentity(context.Context, []byte) (bool, error) {
	return false, ErrNotConnected
}

func (DisconnectedClient) VerifyClientDeviceIoTCertificateAssociation(context.Context, string, string) error {
	return ErrNotConnected
}

func (DisconnectedClient) ListClientDevicesAssociatedWithCoreDevice(context.Context, string) ([]core.AssociatedClientDevice, string, error) {
	return nil, "", ErrNotConnected
}
