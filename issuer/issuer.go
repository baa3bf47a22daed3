// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package issuer produces server and client leaf certificates from the
// local CA and keeps them fresh. Subscribers register a generator bound to
// their public key and receive each issued certificate (plus the CA chain)
// through a callback; generators re-fire on CA rotation and as expiry
// approaches.
package issuer

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/ca"
	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	"github.com/aws-greengrass/client-device-auth/events"
	"github.com/aws-greengrass/client-device-auth/goodkey"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
)

// Usage selects the kind of leaf certificate a generator produces.
type Usage int

const (
	ServerUsage Usage = iota
	ClientUsage
)

func (u Usage) String() string {
	if u == ServerUsage {
		return "server"
	}
	return "client"
}

// Leaf certificate validity bounds. Configured values outside the range
// are clamped with a warning.
const (
	MinValidity     = 60 * time.Second
	MaxValidity     = 10 * 24 * time.Hour
	DefaultValidity = 7 * 24 * time.Hour
)

// ClampValidity forces a configured validity into [MinValidity,
// MaxValidity]; zero selects the default.
func ClampValidity(d time.Duration, logger blog.Logger) time.Duration {
	if d == 0 {
		return DefaultValidity
	}
	if d < MinValidity {
		logger.Warningf("Certificate validity %s below minimum, clamping to %s", d, MinValidity)
		return MinValidity
	}
	if d > MaxValidity {
		logger.Warningf("Certificate validity %s above maximum, clamping to %s", d, MaxValidity)
		return MaxValidity
	}
	return d
}

// Bundle is one issued certificate plus the issuing chain, as delivered to
// a subscriber.
type Bundle struct {
	Usage          Usage
	CertificatePEM []byte
	Certificate    *x509.Certificate
	CAChainPEMs    [][]byte
}

// Callback receives each certificate a generator produces.
type Callback func(*Bundle)

// Request registers a certificate generator. Tag is used for idempotent
// removal; when empty a random one is assigned. The subscriber supplies
// the subject public key and gets the signed certificate back through the
// callback.
type Request struct {
	Tag        string
	Usage      Usage
	CommonName string
	PublicKey  crypto.PublicKey
	Callback   Callback
}

type generator struct {
	req     Request
	current *x509.Certificate
	fired   bool
}

// Issuer owns the generator registry. mu guards the registry map; genMu
// serializes generation so concurrent rotations never interleave on one
// generator.
type Issuer struct {
	mu         sync.Mutex
	genMu      sync.Mutex
	generators map[string]*generator

	caStore      *ca.Store
	connectivity core.ConnectivityProvider
	keyPolicy    goodkey.KeyPolicy

	clk   clock.Clock
	log   blog.Logger
	stats metrics.Scope

	serverValidity   time.Duration
	clientValidity   time.Duration
	rotationDisabled bool
}

// New builds an Issuer and subscribes it to CA changes: on rotation every
// generator is re-fired regardless of remaining validity. Validities are
// clamped here.
func New(caStore *ca.Store, connectivity core.ConnectivityProvider, bus *events.Bus, clk clock.Clock, logger blog.Logger, stats metrics.Scope, serverValidity, clientValidity time.Duration, rotationDisabled bool) *Issuer {
	i := &Issuer{
		generators:       map[string]*generator{},
		caStore:          caStore,
		connectivity:     connectivity,
		keyPolicy:        goodkey.NewKeyPolicy(),
		clk:              clk,
		log:              logger,
		stats:            stats,
		serverValidity:   ClampValidity(serverValidity, logger),
		clientValidity:   ClampValidity(clientValidity, logger),
		rotationDisabled: rotationDisabled,
	}
	bus.Subscribe(events.KindCAChanged, func(events.Event) {
		// Certificate generation is slow; keep the bus non-blocking.
		go i.RotateAll()
	})
	return i
}

// Subscribe registers a generator and fires it once immediately. The
// returned tag removes it later. Registration fails if the first
// certificate cannot be issued; nothing is registered in that case.
func (i *Issuer) Subscribe(req Request) (string, error) {
	if req.Callback == nil {
		return "", cdaerr.InvalidArgumentError("certificate request requires a callback")
	}
	if req.CommonName == "" {
		return "", cdaerr.InvalidArgumentError("certificate request requires a common name")
	}
	if req.PublicKey == nil {
		return "", cdaerr.InvalidArgumentError("certificate request requires a public key")
	}
	if err := i.keyPolicy.GoodKey(req.PublicKey); err != nil {
		return "", cdaerr.InvalidArgumentError("unacceptable subject key: %s", err)
	}
	if req.Tag == "" {
		req.Tag = uuid.NewString()
	}

	gen := &generator{req: req}
	if err := i.generate(gen); err != nil {
		return "", err
	}

	i.mu.Lock()
	i.generators[req.Tag] = gen
	i.mu.Unlock()
	return req.Tag, nil
}

// Unsubscribe removes a generator. Removing an unknown tag is not an
// error.
func (i *Issuer) Unsubscribe(tag string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.generators, tag)
}

// RotateAll re-fires every generator, as after a CA rotation. A generator
// that fails is logged and skipped; its existing certificate stays active.
func (i *Issuer) RotateAll() {
	for tag, gen := range i.snapshot() {
		if i.rotationDisabled && i.hasFired(gen) {
			continue
		}
		if err := i.generate(gen); err != nil {
			i.log.Errf("Rotating certificate for %s: %s", tag, err)
		}
	}
}

func (i *Issuer) hasFired(gen *generator) bool {
	i.genMu.Lock()
	defer i.genMu.Unlock()
	return gen.fired
}

func (i *Issuer) currentCert(gen *generator) *x509.Certificate {
	i.genMu.Lock()
	defer i.genMu.Unlock()
	return gen.current
}

// RotateExpiring re-fires the generators whose certificate validity has
// entered the rotation window.
func (i *Issuer) RotateExpiring() {
	now := i.clk.Now()
	for tag, gen := range i.snapshot() {
		if i.rotationDisabled && i.hasFired(gen) {
			continue
		}
		if cert := i.currentCert(gen); cert != nil && now.Before(rotateAt(cert)) {
			continue
		}
		if err := i.generate(gen); err != nil {
			i.log.Errf("Rotating expiring certificate for %s: %s", tag, err)
		}
	}
}

// rotateAt computes when a certificate enters its rotation window: half
// its validity (rounded up) before expiry, but at least a day.
func rotateAt(cert *x509.Certificate) time.Time {
	validity := cert.NotAfter.Sub(cert.NotBefore)
	window := (validity + 1) / 2
	if window < 24*time.Hour {
		window = 24 * time.Hour
	}
	return cert.NotAfter.Add(-window)
}

func (i *Issuer) snapshot() map[string]*generator {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]*generator, len(i.generators))
	for tag, gen := range i.generators {
		out[tag] = gen
	}
	return out
}

// generate issues one certificate for the generator and delivers it.
func (i *Issuer) generate(gen *generator) error {
	i.genMu.Lock()
	defer i.genMu.Unlock()

	material := i.caStore.Current()
	if material == nil {
		return cdaerr.InternalServerError("no certificate authority available")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return cdaerr.InternalServerError("generating certificate serial: %s", err)
	}

	now := i.clk.Now()
	validity := i.clientValidity
	if gen.req.Usage == ServerUsage {
		validity = i.serverValidity
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: gen.req.CommonName},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	switch gen.req.Usage {
	case ServerUsage:
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		i.addConnectivityNames(template)
	case ClientUsage:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, material.Cert, gen.req.PublicKey, material.Key)
	if err != nil {
		return cdaerr.InternalServerError("signing %s certificate: %s", gen.req.Usage, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return cdaerr.InternalServerError("re-parsing issued certificate: %s", err)
	}

	gen.current = cert
	gen.fired = true
	i.stats.Inc("Issuer.Issued", 1)
	i.log.Infof("Issued %s certificate for %q, expires %s", gen.req.Usage, gen.req.CommonName, cert.NotAfter.Format(time.RFC3339))

	gen.req.Callback(&Bundle{
		Usage:          gen.req.Usage,
		CertificatePEM: core.CertToPEM(cert),
		Certificate:    cert,
		CAChainPEMs:    material.ChainPEMs(),
	})
	return nil
}

// addConnectivityNames fills the server certificate's subject alternative
// names: localhost always, plus whatever the connectivity provider
// reports.
func (i *Issuer) addConnectivityNames(template *x509.Certificate) {
	template.DNSNames = append(template.DNSNames, "localhost")
	if i.connectivity == nil {
		return
	}
	for _, address := range i.connectivity.HostAddresses() {
		if address == "" || address == "localhost" {
			continue
		}
		if ip := net.ParseIP(address); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, address)
		}
	}
}
