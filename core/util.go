// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
)

// RandomString returns a randomly generated string of the requested length
// in URL-safe base64 encoding.
func RandomString(byteLength int) string {
	b := make([]byte, byteLength)
	_, err := rand.Read(b)
	if err != nil {
		// The alternative to panicking here is logging the issuance of a
		// guessable token, which is worse.
		panic(fmt.Sprintf("Error reading random bytes: %s", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewToken produces a random string for use as a session token, 128 bits
// of randomness. Tokens are capability handles and are never persisted.
func NewToken() string {
	return RandomString(16)
}

// Fingerprint256Hex produces the canonical certificate fingerprint:
// lowercase hex of the SHA-256 digest of the DER encoding.
func Fingerprint256Hex(der []byte) string {
	d := sha256.Sum256(der)
	return hex.EncodeToString(d[:])
}

// ParseCertificatePEM parses the first CERTIFICATE block out of pemBytes.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, cdaerr.InvalidCertificateError("no CERTIFICATE block in PEM input")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, cdaerr.InvalidCertificateError("parsing certificate: %s", err)
	}
	return cert, nil
}

// CertToPEM PEM-encodes a parsed certificate.
func CertToPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}

// KeyToPEM encodes a private key as a PKCS#8 PRIVATE KEY block.
func KeyToPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}

// ParsePrivateKeyPEM parses a PEM-encoded private key in PKCS#1, PKCS#8 or
// SEC 1 form.
func ParsePrivateKeyPEM(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, cdaerr.InvalidArgumentError("no PEM block in private key input")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		default:
			return nil, cdaerr.InvalidArgumentError("unsupported private key type %T", key)
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, cdaerr.InvalidArgumentError("could not parse private key PEM")
}

// PublicKeysEqual compares the DER encodings of two public keys.
func PublicKeysEqual(a, b crypto.PublicKey) bool {
	aDER, err := x509.MarshalPKIXPublicKey(a)
	if err != nil {
		return false
	}
	bDER, err := x509.MarshalPKIXPublicKey(b)
	if err != nil {
		return false
	}
	return string(aDER) == string(bDER)
}
