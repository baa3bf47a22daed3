// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ca

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
)

// Keystore file format: a JSON envelope holding scrypt parameters and an
// AES-256-GCM sealed payload. The payload carries the PKCS#8 private key
// and the DER chain.
const keystoreVersion = 1

// scrypt parameters; interactive-strength, suitable for an edge device.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type keystoreEnvelope struct {
	Version    int    `json:"version"`
	Type       string `json:"caType"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type keystorePayload struct {
	KeyPKCS8 []byte   `json:"key"`
	Chain    [][]byte `json:"chain"`
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
}

// saveKeystore writes the material to path, encrypted under the
// passphrase. The file is written to a temporary name and renamed into
// place so readers never observe torn state.
func saveKeystore(path, passphrase string, m *Material) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(m.Key)
	if err != nil {
		return cdaerr.InternalServerError("encoding CA private key: %s", err)
	}
	chain := make([][]byte, 0, len(m.Chain))
	for _, cert := range m.Chain {
		chain = append(chain, cert.Raw)
	}
	plaintext, err := json.Marshal(keystorePayload{KeyPKCS8: keyDER, Chain: chain})
	if err != nil {
		return cdaerr.InternalServerError("encoding keystore payload: %s", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return cdaerr.InternalServerError("generating keystore salt: %s", err)
	}
	aead, nonce, err := newAEAD(passphrase, salt)
	if err != nil {
		return err
	}
	envelope := keystoreEnvelope{
		Version:    keystoreVersion,
		Type:       string(m.Type),
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return cdaerr.InternalServerError("encoding keystore: %s", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return cdaerr.InternalServerError("creating keystore directory: %s", err)
	}
	if err := os.WriteFile(tmp, encoded, 0600); err != nil {
		return cdaerr.InternalServerError("writing keystore: %s", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cdaerr.InternalServerError("committing keystore: %s", err)
	}
	return nil
}

// loadKeystore reads and decrypts the keystore at path. A missing file
// yields a NotFound error; anything else unreadable is an internal error.
func loadKeystore(path, passphrase string) (*Material, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cdaerr.NotFoundError("no keystore at %s", path)
		}
		return nil, cdaerr.InternalServerError("reading keystore: %s", err)
	}

	var envelope keystoreEnvelope
	if err := json.Unmarshal(encoded, &envelope); err != nil {
		return nil, cdaerr.InternalServerError("corrupt keystore envelope: %s", err)
	}
	if envelope.Version != keystoreVersion {
		return nil, cdaerr.InternalServerError("unsupported keystore version %d", envelope.Version)
	}

	derived, err := deriveKey(passphrase, envelope.Salt)
	if err != nil {
		return nil, cdaerr.InternalServerError("deriving keystore key: %s", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, cdaerr.InternalServerError("initializing keystore cipher: %s", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cdaerr.InternalServerError("initializing keystore cipher: %s", err)
	}
	plaintext, err := aead.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return nil, cdaerr.InternalServerError("decrypting keystore: %s", err)
	}

	var payload keystorePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, cdaerr.InternalServerError("corrupt keystore payload: %s", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(payload.KeyPKCS8)
	if err != nil {
		return nil, cdaerr.InternalServerError("parsing keystore private key: %s", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, cdaerr.InternalServerError("keystore private key is not a signer")
	}
	chain := make([]*x509.Certificate, 0, len(payload.Chain))
	for _, der := range payload.Chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, cdaerr.InternalServerError("parsing keystore certificate: %s", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, cdaerr.InternalServerError("keystore has no certificates")
	}

	material, err := materialFromParts(key, chain)
	if err != nil {
		return nil, err
	}
	if string(material.Type) != envelope.Type {
		return nil, cdaerr.InternalServerError("keystore type %q does not match key", envelope.Type)
	}
	return material, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, []byte, error) {
	derived, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, nil, cdaerr.InternalServerError("deriving keystore key: %s", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, nil, cdaerr.InternalServerError("initializing keystore cipher: %s", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, cdaerr.InternalServerError("initializing keystore cipher: %s", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, cdaerr.InternalServerError("generating keystore nonce: %s", err)
	}
	return aead, nonce, nil
}
