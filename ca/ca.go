// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ca owns the lifecycle of the gateway's local certificate
// authority: key generation, self-signed construction, passphrase-protected
// keystore persistence, and on-demand rotation when the configured CA type
// changes.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	"github.com/aws-greengrass/client-device-auth/events"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
	"github.com/aws-greengrass/client-device-auth/store"
)

const (
	caCommonName = "Greengrass Core CA"
	caValidity   = 10 * 365 * 24 * time.Hour

	// passphraseKey holds the keystore passphrase. It is generated once
	// and reused across restarts.
	passphraseKey = "runtime/ca_passphrase"

	// authoritiesKey holds the PEM-encoded CA certificate list that
	// subscribers observe. On rotation the list is replaced atomically.
	authoritiesKey = "runtime/certificates/authorities"
)

// Material is the active CA: key, certificate and chain. Chain[0] is
// always the CA certificate itself.
type Material struct {
	Type  core.CAType
	Key   crypto.Signer
	Cert  *x509.Certificate
	Chain []*x509.Certificate
}

// ChainPEMs returns the PEM encoding of the chain, CA certificate first.
func (m *Material) ChainPEMs() [][]byte {
	pems := make([][]byte, 0, len(m.Chain))
	for _, cert := range m.Chain {
		pems = append(pems, core.CertToPEM(cert))
	}
	return pems
}

// Store holds the active CA material. Mutations are serialized under a
// single mutex; readers go through a copy-on-write snapshot so that long
// crypto operations never block lookups.
type Store struct {
	mu       sync.Mutex
	snapshot atomic.Value // *Material

	rs    *store.Store
	clk   clock.Clock
	log   blog.Logger
	stats metrics.Scope
	bus   *events.Bus

	keystorePath string
	passphrase   string
}

// NewStore builds a Store backed by the given runtime store and keystore
// path. The keystore passphrase is read from the runtime store, or
// generated and persisted on first use.
func NewStore(rs *store.Store, clk clock.Clock, logger blog.Logger, stats metrics.Scope, bus *events.Bus, keystorePath string) (*Store, error) {
	passphrase, err := rs.GetString(passphraseKey)
	if err != nil {
		if !cdaerr.Is(err, cdaerr.NotFound) {
			return nil, err
		}
		passphrase = core.RandomString(32)
		if err := rs.PutString(passphraseKey, passphrase); err != nil {
			return nil, err
		}
		logger.Info("Generated new CA keystore passphrase")
	}

	return &Store{
		rs:           rs,
		clk:          clk,
		log:          logger,
		stats:        stats,
		bus:          bus,
		keystorePath: keystorePath,
		passphrase:   passphrase,
	}, nil
}

// Current returns the currently active CA material. It never fails after a
// successful Ensure; before that it returns nil.
func (s *Store) Current() *Material {
	m, _ := s.snapshot.Load().(*Material)
	return m
}

// Ensure makes the active CA match the desired type. If no CA exists, one
// is loaded from the keystore or generated; if the existing CA's type
// differs, a new key pair and self-signed certificate are generated with
// the same passphrase. The returned bool reports whether a rotation
// happened. On failure the previous material stays intact.
func (s *Store) Ensure(desired core.CAType) (*Material, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.Current()
	if existing == nil {
		loaded, err := loadKeystore(s.keystorePath, s.passphrase)
		if err == nil {
			existing = loaded
		} else if cdaerr.Is(err, cdaerr.NotFound) {
			s.log.Info("No CA keystore on disk, a new CA will be generated")
		} else {
			s.log.Warningf("CA keystore unreadable, a new CA will be generated: %s", err)
		}
	}

	if existing != nil && existing.Type == desired {
		if s.Current() == nil {
			if err := s.commit(existing); err != nil {
				return nil, false, err
			}
		}
		return existing, false, nil
	}

	material, err := generateMaterial(desired, s.clk)
	if err != nil {
		return nil, false, err
	}
	if err := saveKeystore(s.keystorePath, s.passphrase, material); err != nil {
		return nil, false, err
	}
	if err := s.commit(material); err != nil {
		return nil, false, err
	}

	rotated := existing != nil
	if rotated {
		s.log.AuditInfof("Rotated certificate authority from %s to %s", existing.Type, desired)
		s.stats.Inc("CA.Rotations", 1)
	} else {
		s.log.AuditInfof("Generated new %s certificate authority", desired)
		s.stats.Inc("CA.Generated", 1)
	}
	s.bus.Publish(events.CAChanged{Type: material.Type, ChainPEMs: material.ChainPEMs()})
	return material, rotated, nil
}

// UseExternal installs CA material supplied through configured key and
// certificate URIs in place of a generated CA. The private key URI must be
// accompanied by a certificate URI. pkcs11PIN, when non-empty, supplies
// the PKCS#11 user PIN out of band of the URI.
func (s *Store) UseExternal(privateKeyURI, certificateURI, pkcs11PIN string) (*Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	material, err := loadExternalMaterial(privateKeyURI, certificateURI, pkcs11PIN)
	if err != nil {
		return nil, err
	}
	if err := s.commit(material); err != nil {
		return nil, err
	}
	s.log.AuditInfof("Using externally supplied %s certificate authority", material.Type)
	s.bus.Publish(events.CAChanged{Type: material.Type, ChainPEMs: material.ChainPEMs()})
	return material, nil
}

// commit persists the published CA list and swaps the snapshot.
func (s *Store) commit(material *Material) error {
	pems := make([]string, 0, len(material.Chain))
	for _, p := range material.ChainPEMs() {
		pems = append(pems, string(p))
	}
	if err := s.rs.PutStringList(authoritiesKey, pems); err != nil {
		return err
	}
	s.snapshot.Store(material)
	return nil
}

// Passphrase exposes the keystore passphrase for components that persist
// material of the same storage class.
func (s *Store) Passphrase() string {
	return s.passphrase
}

func generateKey(t core.CAType) (crypto.Signer, error) {
	switch t {
	case core.CATypeRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case core.CATypeECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	return nil, cdaerr.InvalidConfigurationError("unsupported CA type %q", t)
}

func generateMaterial(t core.CAType, clk clock.Clock) (*Material, error) {
	key, err := generateKey(t)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, cdaerr.InternalServerError("generating CA serial: %s", err)
	}

	now := clk.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, cdaerr.InternalServerError("self-signing CA certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, cdaerr.InternalServerError("re-parsing CA certificate: %s", err)
	}

	return &Material{
		Type:  t,
		Key:   key,
		Cert:  cert,
		Chain: []*x509.Certificate{cert},
	}, nil
}

// typeOfKey maps a parsed public key back onto the CA type enumeration.
func typeOfKey(pub crypto.PublicKey) (core.CAType, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return core.CATypeRSA2048, nil
	case *ecdsa.PublicKey:
		return core.CATypeECDSAP256, nil
	}
	return "", cdaerr.InvalidConfigurationError("unsupported CA key type %T", pub)
}
