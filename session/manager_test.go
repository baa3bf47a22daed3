package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/cloud"
	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
	"github.com/aws-greengrass/client-device-auth/mocks"
	"github.com/aws-greengrass/client-device-auth/registry"
	"github.com/aws-greengrass/client-device-auth/store"
	"github.com/aws-greengrass/client-device-auth/test"
)

var ctx = context.Background()

type fixture struct {
	manager *Manager
	certs   *registry.CertificateRegistry
	things  *registry.ThingRegistry
	control *mocks.ControlPlane
	clk     clock.FakeClock
}

func initManager(t *testing.T, capacity int) *fixture {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Date(2015, 3, 4, 5, 0, 0, 0, time.UTC))
	logger := blog.NewMock()
	rs, err := store.Open(filepath.Join(t.TempDir(), "runtime.db"), logger)
	test.AssertNotError(t, err, "opening runtime store")
	t.Cleanup(func() { _ = rs.Close() })

	certs := registry.NewCertificateRegistry(rs, fc, logger)
	things := registry.NewThingRegistry(rs, fc, logger)
	control := mocks.NewControlPlane()
	verifier := cloud.NewVerifier(control, 0, logger)

	manager, err := NewManager(capacity, 24*time.Hour, certs, things, verifier, fc, logger, metrics.NewNoopScope())
	test.AssertNotError(t, err, "building session manager")
	return &fixture{manager: manager, certs: certs, things: things, control: control, clk: fc}
}

// enroll primes the control plane with an active certificate associated to
// the thing, and returns the PEM and fingerprint.
func (f *fixture) enroll(t *testing.T, thingName string) ([]byte, string) {
	t.Helper()
	now := f.clk.Now()
	pemBytes := test.SelfSignedCert(t, thingName, test.ECKey(t), now, now.Add(7*24*time.Hour))
	cert, err := core.ParseCertificatePEM(pemBytes)
	test.AssertNotError(t, err, "parsing test certificate")
	id := core.Fingerprint256Hex(cert.Raw)
	f.control.Associate(thingName, id)
	return pemBytes, id
}

func credentials(thingName string, pemBytes []byte) map[string]string {
	return map[string]string{
		"clientId":       thingName,
		"certificatePem": string(pemBytes),
	}
}

func TestCreateHappyPath(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, certID := f.enroll(t, "alpha")

	token, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemBytes))
	test.AssertNotError(t, err, "Create failed")
	test.Assert(t, token != "", "token should be non-empty")

	s, err := f.manager.Resolve(token)
	test.AssertNotError(t, err, "Resolve failed")
	test.AssertEquals(t, s.CertificateID(), certID)
	test.AssertEquals(t, s.Thing().Name, "alpha")

	// The Certificate attribute provider carries the fingerprint.
	value, ok := s.Attribute(CertificateNamespace, "CertificateId")
	test.Assert(t, ok, "CertificateId attribute missing")
	test.AssertEquals(t, value, certID)
	value, ok = s.Attribute(ThingNamespace, "ThingName")
	test.Assert(t, ok, "ThingName attribute missing")
	test.AssertEquals(t, value, "alpha")

	// The registry recorded the verification and the attachment.
	record, err := f.certs.GetByID(certID)
	test.AssertNotError(t, err, "record should exist")
	test.AssertEquals(t, record.Status(f.clk.Now(), 24*time.Hour), core.StatusActive)
	thing, err := f.things.Get("alpha")
	test.AssertNotError(t, err, "thing should exist")
	test.Assert(t, thing.IsAttached(certID), "attachment should persist")
}

func TestCreateRejectsBadInputs(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, _ := f.enroll(t, "alpha")

	_, err := f.manager.Create(ctx, "basic", credentials("alpha", pemBytes))
	test.Assert(t, cdaerr.Is(err, cdaerr.InvalidArgument), "unsupported credential type")

	_, err = f.manager.Create(ctx, CredentialTypeMQTT, map[string]string{"clientId": "alpha"})
	test.Assert(t, cdaerr.Is(err, cdaerr.InvalidCredential), "missing certificatePem")

	_, err = f.manager.Create(ctx, CredentialTypeMQTT, map[string]string{
		"clientId":       "alpha",
		"certificatePem": "",
	})
	test.Assert(t, cdaerr.Is(err, cdaerr.InvalidCredential), "empty certificatePem")

	_, err = f.manager.Create(ctx, CredentialTypeMQTT, map[string]string{
		"certificatePem": string(pemBytes),
	})
	test.Assert(t, cdaerr.Is(err, cdaerr.InvalidCredential), "missing clientId")
}

func TestCreateUnknownCertificateFails(t *testing.T) {
	f := initManager(t, 10)
	// Not enrolled: the cloud has never seen this certificate.
	now := f.clk.Now()
	pemBytes := test.SelfSignedCert(t, "stranger", test.ECKey(t), now, now.Add(24*time.Hour))

	_, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("stranger", pemBytes))
	test.Assert(t, cdaerr.Is(err, cdaerr.AuthenticationFailure), "unknown certificate must not authenticate")
}

func TestCreateUsesTrustWindowWithoutCloud(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, _ := f.enroll(t, "alpha")

	_, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemBytes))
	test.AssertNotError(t, err, "first Create failed")
	verifyCalls := f.control.VerifyIdentityCalls

	// Inside the trust window a second create does not re-verify the
	// certificate (the association check still runs).
	f.clk.Add(time.Hour)
	_, err = f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemBytes))
	test.AssertNotError(t, err, "second Create failed")
	test.AssertEquals(t, f.control.VerifyIdentityCalls, verifyCalls)
}

func TestCreateCloudFailureSurfaces(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, _ := f.enroll(t, "alpha")
	f.control.VerifyIdentityErr = errors.New("throttled")

	_, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemBytes))
	test.Assert(t, cdaerr.Is(err, cdaerr.CloudServiceInteraction), "transport failure must surface")
}

func TestCreateUnassociatedThingFails(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, certID := f.enroll(t, "alpha")
	_ = certID

	_, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("beta", pemBytes))
	test.Assert(t, cdaerr.Is(err, cdaerr.AuthenticationFailure), "unassociated thing must not authenticate")
}

func TestCapacityEviction(t *testing.T) {
	f := initManager(t, 2)

	tokens := make([]string, 3)
	for i, name := range []string{"alpha", "beta", "gamma"} {
		pemBytes, _ := f.enroll(t, name)
		token, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials(name, pemBytes))
		test.AssertNotError(t, err, "Create failed")
		tokens[i] = token
	}

	test.AssertEquals(t, f.manager.Len(), 2)
	_, err := f.manager.Resolve(tokens[0])
	test.Assert(t, cdaerr.Is(err, cdaerr.InvalidSessionToken), "oldest session should be evicted")
	_, err = f.manager.Resolve(tokens[1])
	test.AssertNotError(t, err, "second session should survive")
	_, err = f.manager.Resolve(tokens[2])
	test.AssertNotError(t, err, "newest session should survive")
}

func TestResolveExpiry(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, _ := f.enroll(t, "alpha")
	token, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemBytes))
	test.AssertNotError(t, err, "Create failed")

	f.clk.Add(23 * time.Hour)
	_, err = f.manager.Resolve(token)
	test.AssertNotError(t, err, "session inside the window should resolve")

	// Resolution refreshed lastUsed, so another 23h is still fine.
	f.clk.Add(23 * time.Hour)
	_, err = f.manager.Resolve(token)
	test.AssertNotError(t, err, "refreshed session should resolve")

	f.clk.Add(25 * time.Hour)
	_, err = f.manager.Resolve(token)
	test.Assert(t, cdaerr.Is(err, cdaerr.InvalidSessionToken), "idle session should expire")
	test.AssertEquals(t, f.manager.Len(), 0)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, _ := f.enroll(t, "alpha")
	token, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemBytes))
	test.AssertNotError(t, err, "Create failed")

	f.manager.Close(token)
	_, err = f.manager.Resolve(token)
	test.AssertError(t, err, "closed session should not resolve")
	f.manager.Close(token)
	f.manager.Close("never-existed")
}

func TestRefreshEvictsDefinitiveNegatives(t *testing.T) {
	f := initManager(t, 10)
	pemAlpha, certAlpha := f.enroll(t, "alpha")
	pemBeta, _ := f.enroll(t, "beta")

	tokenAlpha, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemAlpha))
	test.AssertNotError(t, err, "Create alpha failed")
	tokenBeta, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("beta", pemBeta))
	test.AssertNotError(t, err, "Create beta failed")

	// The cloud disassociates alpha's certificate.
	f.control.Lock()
	delete(f.control.Associations["alpha"], certAlpha)
	f.control.Unlock()

	err = f.manager.Refresh(ctx)
	test.AssertNotError(t, err, "Refresh failed")

	_, err = f.manager.Resolve(tokenAlpha)
	test.AssertError(t, err, "alpha's session should be evicted")
	_, err = f.manager.Resolve(tokenBeta)
	test.AssertNotError(t, err, "beta's session should survive")
}

func TestRefreshLeavesSessionsOnCloudFailure(t *testing.T) {
	f := initManager(t, 10)
	pemBytes, _ := f.enroll(t, "alpha")
	token, err := f.manager.Create(ctx, CredentialTypeMQTT, credentials("alpha", pemBytes))
	test.AssertNotError(t, err, "Create failed")

	f.control.VerifyIdentityErr = errors.New("throttled")
	err = f.manager.Refresh(ctx)
	test.AssertError(t, err, "Refresh should report the failure")

	_, err = f.manager.Resolve(token)
	test.AssertNotError(t, err, "session must survive a cloud failure")
}
