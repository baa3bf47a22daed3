// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

// DeviceAttributeProvider exposes one namespace of attributes describing an
// authenticated client device, e.g. the "Certificate" or "Thing" namespace
// attached to a session.
type DeviceAttributeProvider interface {
	Namespace() string
	DeviceAttributes() map[string]string
}

// ConnectivityProvider reports the addresses (DNS names or IP literals) at
// which local clients can reach this gateway. Server certificates cover
// these as subject alternative names.
type ConnectivityProvider interface {
	HostAddresses() []string
}
