package issuer

import (
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/ca"
	"github.com/aws-greengrass/client-device-auth/core"
	"github.com/aws-greengrass/client-device-auth/events"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
	"github.com/aws-greengrass/client-device-auth/store"
	"github.com/aws-greengrass/client-device-auth/test"
)

type staticConnectivity []string

func (s staticConnectivity) HostAddresses() []string { return s }

type fixture struct {
	issuer  *Issuer
	caStore *ca.Store
	bus     *events.Bus
	clk     clock.FakeClock
	log     *blog.Mock
}

func initIssuer(t *testing.T, rotationDisabled bool, addresses ...string) *fixture {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Date(2015, 3, 4, 5, 0, 0, 0, time.UTC))
	logger := blog.NewMock()
	rs, err := store.Open(filepath.Join(t.TempDir(), "runtime.db"), logger)
	test.AssertNotError(t, err, "opening runtime store")
	t.Cleanup(func() { _ = rs.Close() })

	bus := events.NewBus()
	caStore, err := ca.NewStore(rs, fc, logger, metrics.NewNoopScope(), bus, filepath.Join(t.TempDir(), "ca.keystore"))
	test.AssertNotError(t, err, "building CA store")
	_, _, err = caStore.Ensure(core.CATypeECDSAP256)
	test.AssertNotError(t, err, "generating CA")

	iss := New(caStore, staticConnectivity(addresses), bus, fc, logger, metrics.NewNoopScope(),
		0, 0, rotationDisabled)
	return &fixture{issuer: iss, caStore: caStore, bus: bus, clk: fc, log: logger}
}

func collect(bundles *[]*Bundle) Callback {
	return func(b *Bundle) {
		*bundles = append(*bundles, b)
	}
}

func TestServerCertificateShape(t *testing.T) {
	f := initIssuer(t, false, "gateway.local", "192.168.4.20")

	var bundles []*Bundle
	_, err := f.issuer.Subscribe(Request{
		Usage:      ServerUsage,
		CommonName: "broker",
		PublicKey:  test.ECKey(t).Public(),
		Callback:   collect(&bundles),
	})
	test.AssertNotError(t, err, "Subscribe failed")
	test.AssertEquals(t, len(bundles), 1)

	cert := bundles[0].Certificate
	test.AssertEquals(t, cert.Subject.CommonName, "broker")
	test.AssertDeepEquals(t, cert.DNSNames, []string{"localhost", "gateway.local"})
	test.AssertEquals(t, len(cert.IPAddresses), 1)
	test.AssertEquals(t, cert.IPAddresses[0].String(), "192.168.4.20")
	test.AssertDeepEquals(t, cert.ExtKeyUsage, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})

	// Default validity is seven days.
	test.AssertEquals(t, cert.NotAfter.Sub(f.clk.Now()), 7*24*time.Hour)

	// The issued certificate chains to the CA.
	roots := x509.NewCertPool()
	roots.AddCert(f.caStore.Current().Cert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: f.clk.Now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	test.AssertNotError(t, err, "issued certificate should chain to the CA")

	// The bundle carries the CA chain.
	test.AssertEquals(t, len(bundles[0].CAChainPEMs), 1)
}

func TestServerCertificateDefaultsToLocalhost(t *testing.T) {
	f := initIssuer(t, false)

	var bundles []*Bundle
	_, err := f.issuer.Subscribe(Request{
		Usage:      ServerUsage,
		CommonName: "broker",
		PublicKey:  test.ECKey(t).Public(),
		Callback:   collect(&bundles),
	})
	test.AssertNotError(t, err, "Subscribe failed")
	test.AssertDeepEquals(t, bundles[0].Certificate.DNSNames, []string{"localhost"})
}

func TestClientCertificateShape(t *testing.T) {
	f := initIssuer(t, false)

	var bundles []*Bundle
	_, err := f.issuer.Subscribe(Request{
		Usage:      ClientUsage,
		CommonName: "component",
		PublicKey:  test.ECKey(t).Public(),
		Callback:   collect(&bundles),
	})
	test.AssertNotError(t, err, "Subscribe failed")

	cert := bundles[0].Certificate
	test.AssertDeepEquals(t, cert.ExtKeyUsage, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
	test.AssertEquals(t, len(cert.DNSNames), 0)
}

func TestSubscribeValidation(t *testing.T) {
	f := initIssuer(t, false)
	key := test.ECKey(t).Public()
	cb := func(*Bundle) {}

	_, err := f.issuer.Subscribe(Request{Usage: ServerUsage, CommonName: "x", PublicKey: key})
	test.AssertError(t, err, "missing callback must fail")
	_, err = f.issuer.Subscribe(Request{Usage: ServerUsage, PublicKey: key, Callback: cb})
	test.AssertError(t, err, "missing common name must fail")
	_, err = f.issuer.Subscribe(Request{Usage: ServerUsage, CommonName: "x", Callback: cb})
	test.AssertError(t, err, "missing public key must fail")
}

func TestCAChangeRotatesAll(t *testing.T) {
	f := initIssuer(t, false)

	var bundles []*Bundle
	done := make(chan struct{}, 1)
	_, err := f.issuer.Subscribe(Request{
		Usage:      ClientUsage,
		CommonName: "component",
		PublicKey:  test.ECKey(t).Public(),
		Callback: func(b *Bundle) {
			bundles = append(bundles, b)
			select {
			case done <- struct{}{}:
			default:
			}
		},
	})
	test.AssertNotError(t, err, "Subscribe failed")
	<-done

	_, rotated, err := f.caStore.Ensure(core.CATypeRSA2048)
	test.AssertNotError(t, err, "CA rotation failed")
	test.Assert(t, rotated, "type change should rotate")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("generator was not re-fired after CA rotation")
	}
	test.AssertEquals(t, len(bundles), 2)
	test.Assert(t, bundles[1].Certificate.Issuer.CommonName == "Greengrass Core CA", "reissued under the new CA")
}

func TestRotationDisabledFiresOnce(t *testing.T) {
	f := initIssuer(t, true)

	var bundles []*Bundle
	_, err := f.issuer.Subscribe(Request{
		Usage:      ClientUsage,
		CommonName: "component",
		PublicKey:  test.ECKey(t).Public(),
		Callback:   collect(&bundles),
	})
	test.AssertNotError(t, err, "Subscribe failed")
	test.AssertEquals(t, len(bundles), 1)

	f.issuer.RotateAll()
	f.clk.Add(8 * 24 * time.Hour)
	f.issuer.RotateExpiring()
	test.AssertEquals(t, len(bundles), 1)
}

func TestExpiryRotation(t *testing.T) {
	f := initIssuer(t, false)

	var bundles []*Bundle
	_, err := f.issuer.Subscribe(Request{
		Usage:      ClientUsage,
		CommonName: "component",
		PublicKey:  test.ECKey(t).Public(),
		Callback:   collect(&bundles),
	})
	test.AssertNotError(t, err, "Subscribe failed")

	// Seven-day validity: the rotation window opens half way through.
	f.clk.Add(2 * 24 * time.Hour)
	f.issuer.RotateExpiring()
	test.AssertEquals(t, len(bundles), 1)

	f.clk.Add(2 * 24 * time.Hour)
	f.issuer.RotateExpiring()
	test.AssertEquals(t, len(bundles), 2)
}

func TestUnsubscribeStopsRotation(t *testing.T) {
	f := initIssuer(t, false)

	var bundles []*Bundle
	tag, err := f.issuer.Subscribe(Request{
		Tag:        "my-subscriber",
		Usage:      ClientUsage,
		CommonName: "component",
		PublicKey:  test.ECKey(t).Public(),
		Callback:   collect(&bundles),
	})
	test.AssertNotError(t, err, "Subscribe failed")
	test.AssertEquals(t, tag, "my-subscriber")

	f.issuer.Unsubscribe(tag)
	f.issuer.Unsubscribe(tag)
	f.issuer.RotateAll()
	test.AssertEquals(t, len(bundles), 1)
}

func TestClampValidity(t *testing.T) {
	logger := blog.NewMock()
	test.AssertEquals(t, ClampValidity(0, logger), DefaultValidity)
	test.AssertEquals(t, ClampValidity(time.Second, logger), MinValidity)
	test.AssertEquals(t, ClampValidity(30*24*time.Hour, logger), MaxValidity)
	test.AssertEquals(t, ClampValidity(48*time.Hour, logger), 48*time.Hour)
	test.AssertEquals(t, len(logger.GetAllMatching("clamping")), 2)
}
