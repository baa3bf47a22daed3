// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ca

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"net/url"
	"os"
	"strings"

	"github.com/letsencrypt/pkcs11key/v4"

	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
)

// materialFromParts assembles Material from a signer and a chain whose
// first element is the CA certificate, verifying that the certificate's
// public key matches the private key.
func materialFromParts(key crypto.Signer, chain []*x509.Certificate) (*Material, error) {
	cert := chain[0]
	if !core.PublicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, cdaerr.InvalidConfigurationError("CA certificate public key does not match private key")
	}
	t, err := typeOfKey(key.Public())
	if err != nil {
		return nil, err
	}
	return &Material{Type: t, Key: key, Cert: cert, Chain: chain}, nil
}

// loadExternalMaterial loads CA material from the configured URIs. The
// private key may be a file: or pkcs11: URI; the certificate must be a
// file: URI and is required whenever a private key URI is present.
// pkcs11PIN overrides any pin-value attribute carried in the key URI.
func loadExternalMaterial(privateKeyURI, certificateURI, pkcs11PIN string) (*Material, error) {
	if certificateURI == "" {
		return nil, cdaerr.InvalidConfigurationError("certificateUri is required when privateKeyUri is configured")
	}

	chain, err := loadCertificateChain(certificateURI)
	if err != nil {
		return nil, err
	}

	keyURL, err := url.Parse(privateKeyURI)
	if err != nil {
		return nil, cdaerr.InvalidConfigurationError("parsing privateKeyUri: %s", err)
	}
	var key crypto.Signer
	switch keyURL.Scheme {
	case "file":
		pemBytes, err := os.ReadFile(keyURL.Path)
		if err != nil {
			return nil, cdaerr.InvalidConfigurationError("reading private key %s: %s", keyURL.Path, err)
		}
		key, err = core.ParsePrivateKeyPEM(pemBytes)
		if err != nil {
			return nil, err
		}
	case "pkcs11":
		key, err = loadPKCS11Key(keyURL, pkcs11PIN, chain[0].PublicKey)
		if err != nil {
			return nil, err
		}
	default:
		return nil, cdaerr.InvalidConfigurationError("privateKeyUri scheme must be file or pkcs11, got %q", keyURL.Scheme)
	}

	return materialFromParts(key, chain)
}

func loadCertificateChain(certificateURI string) ([]*x509.Certificate, error) {
	certURL, err := url.Parse(certificateURI)
	if err != nil {
		return nil, cdaerr.InvalidConfigurationError("parsing certificateUri: %s", err)
	}
	if certURL.Scheme != "file" {
		return nil, cdaerr.InvalidConfigurationError("certificateUri scheme must be file, got %q", certURL.Scheme)
	}
	pemBytes, err := os.ReadFile(certURL.Path)
	if err != nil {
		return nil, cdaerr.InvalidConfigurationError("reading CA certificate %s: %s", certURL.Path, err)
	}
	var chain []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, cdaerr.InvalidConfigurationError("parsing CA certificate: %s", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, cdaerr.InvalidConfigurationError("no certificates in %s", certURL.Path)
	}
	return chain, nil
}

// loadPKCS11Key loads an HSM-held private key through a PKCS#11 module,
// from a RFC 7512 style URI such as
// pkcs11:token=gg-core?module-path=/usr/lib/softhsm2.so
// The PIN comes from the pkcs11Pin config secret when set; a pin-value
// URI attribute is accepted as a fallback for URIs that carry one.
func loadPKCS11Key(keyURL *url.URL, pin string, publicKey crypto.PublicKey) (crypto.Signer, error) {
	attrs := map[string]string{}
	for _, part := range strings.Split(keyURL.Opaque, ";") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		decoded, err := url.QueryUnescape(v)
		if err != nil {
			return nil, cdaerr.InvalidConfigurationError("parsing pkcs11 URI attribute %q: %s", part, err)
		}
		attrs[k] = decoded
	}
	query, err := url.ParseQuery(keyURL.RawQuery)
	if err != nil {
		return nil, cdaerr.InvalidConfigurationError("parsing pkcs11 URI query: %s", err)
	}

	tokenLabel := attrs["token"]
	modulePath := query.Get("module-path")
	if pin == "" {
		pin = query.Get("pin-value")
	}
	if tokenLabel == "" || modulePath == "" {
		return nil, cdaerr.InvalidConfigurationError("pkcs11 URI must carry token and module-path")
	}

	key, err := pkcs11key.New(modulePath, tokenLabel, pin, publicKey)
	if err != nil {
		return nil, cdaerr.InvalidConfigurationError("loading pkcs11 key: %s", err)
	}
	return key, nil
}
