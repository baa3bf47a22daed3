// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/cloud"
	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
	"github.com/aws-greengrass/client-device-auth/registry"
)

// CredentialTypeMQTT is the only credential type currently accepted.
const CredentialTypeMQTT = "mqtt"

// DefaultCapacity is the default bound on concurrently active sessions.
const DefaultCapacity = 2500

// Credential map keys for the mqtt credential type.
const (
	credentialClientID       = "clientId"
	credentialCertificatePEM = "certificatePem"
	credentialUsername       = "username"
	credentialPassword       = "password"
)

// Manager owns the capacity-bounded table of active sessions. The LRU
// structure is guarded by one mutex; cloud calls during Create happen
// outside it, with re-validation at insert time.
type Manager struct {
	mu    sync.Mutex
	table *lru.Cache[string, *Session]

	certs    *registry.CertificateRegistry
	things   *registry.ThingRegistry
	verifier *cloud.Verifier

	clk   clock.Clock
	log   blog.Logger
	stats metrics.Scope

	trustDuration time.Duration
}

// ClampCapacity forces a configured capacity into [1, 2^31-1], selecting
// the default for non-positive values.
func ClampCapacity(capacity int, logger blog.Logger) int {
	if capacity <= 0 {
		return DefaultCapacity
	}
	if capacity > math.MaxInt32 {
		logger.Warningf("maxActiveAuthTokens %d too large, clamping to %d", capacity, math.MaxInt32)
		return math.MaxInt32
	}
	return capacity
}

// NewManager builds a session manager with the given capacity and trust
// window.
func NewManager(capacity int, trustDuration time.Duration, certs *registry.CertificateRegistry, things *registry.ThingRegistry, verifier *cloud.Verifier, clk clock.Clock, logger blog.Logger, stats metrics.Scope) (*Manager, error) {
	m := &Manager{
		certs:         certs,
		things:        things,
		verifier:      verifier,
		clk:           clk,
		log:           logger,
		stats:         stats,
		trustDuration: trustDuration,
	}
	table, err := lru.NewWithEvict[string, *Session](ClampCapacity(capacity, logger), m.onEvict)
	if err != nil {
		return nil, cdaerr.InternalServerError("building session table: %s", err)
	}
	m.table = table
	return m, nil
}

func (m *Manager) onEvict(id string, _ *Session) {
	m.stats.Inc("Sessions.Evicted", 1)
	m.log.Debugf("Evicted session %s...", id[:4])
}

// Create authenticates the presented credentials and returns a fresh
// session token. The certificate must be ACTIVE, locally within the trust
// window or confirmed by the cloud; for mqtt credentials the client ID
// names the Thing whose certificate association is verified.
func (m *Manager) Create(ctx context.Context, credentialType string, credentials map[string]string) (string, error) {
	if credentialType != CredentialTypeMQTT {
		return "", cdaerr.InvalidArgumentError("unsupported credential type %q", credentialType)
	}
	pemStr := credentials[credentialCertificatePEM]
	if pemStr == "" {
		return "", cdaerr.InvalidCredentialError("certificatePem is required")
	}
	pemBytes := []byte(pemStr)

	record, err := m.certs.GetOrCreate(pemBytes)
	if err != nil {
		return "", err
	}

	now := m.clk.Now()
	if record.Status(now, m.trustDuration) != core.StatusActive {
		status, err := m.verifier.VerifyCertificate(ctx, pemBytes)
		if err != nil {
			return "", err
		}
		if status == core.StatusActive {
			record.StoredStatus = core.StatusActive
			record.LastUpdated = m.clk.Now()
			if err := m.certs.Update(record); err != nil {
				return "", err
			}
		}
	}
	if record.Status(m.clk.Now(), m.trustDuration) != core.StatusActive {
		m.stats.Inc("Sessions.AuthenticationFailures", 1)
		return "", cdaerr.AuthenticationFailureError("certificate %s could not be verified as active", record.ID)
	}

	thing, err := m.attachThing(ctx, credentials[credentialClientID], record.ID)
	if err != nil {
		return "", err
	}

	// Commit-time re-validation: the record must still exist after the
	// cloud round trips above.
	if _, err := m.certs.GetByID(record.ID); err != nil {
		if cdaerr.Is(err, cdaerr.NotFound) {
			return "", cdaerr.AuthenticationFailureError("certificate %s disappeared during authentication", record.ID)
		}
		return "", err
	}

	id := core.NewToken()
	s := newSession(id, record.ID, thing, m.clk.Now())

	m.mu.Lock()
	m.table.Add(id, s)
	length := m.table.Len()
	m.mu.Unlock()

	m.stats.Inc("Sessions.Created", 1)
	m.stats.Gauge("Sessions.Active", int64(length))
	return id, nil
}

// attachThing verifies the Thing-certificate association with the cloud
// and persists the attachment. mqtt clients always present a client ID; a
// device whose association cannot be confirmed does not authenticate.
func (m *Manager) attachThing(ctx context.Context, thingName, certificateID string) (*core.Thing, error) {
	if thingName == "" {
		return nil, cdaerr.InvalidCredentialError("clientId is required")
	}
	if !core.ValidThingName(thingName) {
		return nil, cdaerr.InvalidCredentialError("invalid clientId %q", thingName)
	}

	associated, err := m.verifier.VerifyThingCertificateAssociation(ctx, thingName, certificateID)
	if err != nil {
		return nil, err
	}
	if !associated {
		m.stats.Inc("Sessions.AuthenticationFailures", 1)
		return nil, cdaerr.AuthenticationFailureError("thing %s is not associated with certificate %s", thingName, certificateID)
	}

	thing, err := m.things.GetOrCreate(thingName)
	if err != nil {
		return nil, err
	}
	thing.AttachCertificate(certificateID, m.clk.Now())
	if err := m.things.Update(thing); err != nil {
		return nil, err
	}
	return thing, nil
}

// Resolve returns the session for a token, refreshing its recency. A
// missing token, or one idle past the trust window, resolves to an
// InvalidSessionToken error; expired sessions are evicted on the spot.
func (m *Manager) Resolve(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.table.Get(id)
	if !ok {
		return nil, cdaerr.InvalidSessionTokenError("unknown session token")
	}
	now := m.clk.Now()
	if now.Sub(s.lastUsed) > m.trustDuration {
		m.table.Remove(id)
		return nil, cdaerr.InvalidSessionTokenError("session expired")
	}
	s.lastUsed = now
	return s, nil
}

// Close removes a session. Closing an unknown token is not an error.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.Remove(id)
	m.stats.Gauge("Sessions.Active", int64(m.table.Len()))
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Len()
}

// Refresh sweeps the table, re-checking each session's certificate and
// Thing association. Cloud failures leave the session in place; definitive
// negative answers evict it. The sweep is idempotent and is driven by the
// background reconciler.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	ids := m.table.Keys()
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.table.Peek(id); ok {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	var errs *multierror.Error
	for _, s := range sessions {
		evict, err := m.checkSession(ctx, s)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if evict {
			m.log.Infof("Evicting session for certificate %s after refresh", s.certificateID)
			m.Close(s.id)
		}
	}
	return errs.ErrorOrNil()
}

// checkSession reports whether the session should be evicted. An error
// means the answer could not be obtained.
func (m *Manager) checkSession(ctx context.Context, s *Session) (bool, error) {
	record, err := m.certs.GetByID(s.certificateID)
	if err != nil {
		if cdaerr.Is(err, cdaerr.NotFound) {
			return true, nil
		}
		return false, err
	}

	pemBytes, err := m.certs.PEM(record.ID)
	if err != nil {
		if cdaerr.Is(err, cdaerr.NotFound) {
			return true, nil
		}
		return false, err
	}
	status, err := m.verifier.VerifyCertificate(ctx, pemBytes)
	if err != nil {
		return false, err
	}
	if status != core.StatusActive {
		return true, nil
	}
	record.StoredStatus = core.StatusActive
	record.LastUpdated = m.clk.Now()
	if err := m.certs.Update(record); err != nil {
		return false, err
	}

	if s.thing != nil {
		associated, err := m.verifier.VerifyThingCertificateAssociation(ctx, s.thing.Name, s.certificateID)
		if err != nil {
			return false, err
		}
		if !associated {
			thing, err := m.things.Get(s.thing.Name)
			if err == nil && thing != nil {
				thing.DetachCertificate(s.certificateID)
				if err := m.things.Update(thing); err != nil {
					return false, err
				}
			}
			return true, nil
		}
	}
	return false, nil
}
