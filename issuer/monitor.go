// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package issuer

import (
	"context"
	"time"

	"github.com/jmhodges/clock"

	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
)

// DefaultMonitorInterval is how often the expiry monitor scans the
// registered generators.
const DefaultMonitorInterval = time.Hour

// ExpiryMonitor periodically scans the issuer's generators and rotates any
// whose certificate validity has entered the rotation window. One failing
// generator never stops the scan.
type ExpiryMonitor struct {
	issuer *Issuer
	clk    clock.Clock
	log    blog.Logger
	stats  metrics.Scope
}

// NewExpiryMonitor builds an ExpiryMonitor over the issuer.
func NewExpiryMonitor(issuer *Issuer, clk clock.Clock, logger blog.Logger, stats metrics.Scope) *ExpiryMonitor {
	return &ExpiryMonitor{issuer: issuer, clk: clk, log: logger, stats: stats}
}

// Tick runs one scan. It is the scheduler entry point.
func (m *ExpiryMonitor) Tick(_ context.Context) {
	begin := m.clk.Now()
	m.issuer.RotateExpiring()
	m.stats.TimingDuration("ExpiryMonitor.Scan", m.clk.Now().Sub(begin))
}
