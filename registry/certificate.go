// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package registry implements the certificate and Thing registries: the
// gateway's local, time-bounded cache of cloud identity metadata, persisted
// through the runtime store.
package registry

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/store"
)

const (
	certRecordRoot = "runtime/certificatesV1"
	certBlobRoot   = "runtime/clientCertificates"

	// stripeCount sizes the per-record lock striping. Operations on
	// distinct records proceed in parallel; runtime store writes are
	// still serialized globally underneath.
	stripeCount = 32
)

type stripedLocks [stripeCount]sync.Mutex

func (s *stripedLocks) forKey(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s[h.Sum32()%stripeCount]
}

// CertificateRegistry is a content-addressed store from certificate
// fingerprint to verification status, backed by a PEM blob store in the
// runtime store.
type CertificateRegistry struct {
	rs      *store.Store
	clk     clock.Clock
	log     blog.Logger
	stripes stripedLocks
}

// NewCertificateRegistry builds a CertificateRegistry over the runtime
// store.
func NewCertificateRegistry(rs *store.Store, clk clock.Clock, logger blog.Logger) *CertificateRegistry {
	return &CertificateRegistry{rs: rs, clk: clk, log: logger}
}

func certStatusKey(id string) string {
	return fmt.Sprintf("%s/%s/status", certRecordRoot, id)
}

func certStatusUpdatedKey(id string) string {
	return fmt.Sprintf("%s/%s/statusUpdated", certRecordRoot, id)
}

func certBlobKey(id string) string {
	return fmt.Sprintf("%s/%s/pem", certBlobRoot, id)
}

// GetOrCreate parses the PEM, computes the canonical fingerprint, and
// returns the existing record for it, or creates (and persists) a new
// UNKNOWN record. Creation writes the PEM blob before the record, so a
// crash between the two leaves at worst a blob that the next GetOrCreate
// overwrites idempotently.
func (r *CertificateRegistry) GetOrCreate(pemBytes []byte) (*core.CertificateRecord, error) {
	cert, err := core.ParseCertificatePEM(pemBytes)
	if err != nil {
		return nil, err
	}
	id := core.Fingerprint256Hex(cert.Raw)

	lock := r.stripes.forKey(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := r.getByID(id)
	if err == nil {
		return record, nil
	}
	if !cdaerr.Is(err, cdaerr.NotFound) {
		return nil, err
	}

	record = &core.CertificateRecord{
		ID:           id,
		StoredStatus: core.StatusUnknown,
		LastUpdated:  r.clk.Now(),
	}
	if err := r.rs.Put(certBlobKey(id), pemBytes); err != nil {
		return nil, err
	}
	if err := r.writeRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Get returns the record for the PEM without creating one. A nil record
// with nil error means the certificate has never been seen.
func (r *CertificateRegistry) Get(pemBytes []byte) (*core.CertificateRecord, error) {
	cert, err := core.ParseCertificatePEM(pemBytes)
	if err != nil {
		return nil, err
	}
	record, err := r.getByID(core.Fingerprint256Hex(cert.Raw))
	if cdaerr.Is(err, cdaerr.NotFound) {
		return nil, nil
	}
	return record, err
}

// GetByID returns the record with the given fingerprint.
func (r *CertificateRegistry) GetByID(id string) (*core.CertificateRecord, error) {
	lock := r.stripes.forKey(id)
	lock.Lock()
	defer lock.Unlock()
	return r.getByID(id)
}

func (r *CertificateRegistry) getByID(id string) (*core.CertificateRecord, error) {
	status, err := r.rs.GetString(certStatusKey(id))
	if err != nil {
		return nil, err
	}
	updatedMillis, err := r.rs.GetInt64(certStatusUpdatedKey(id))
	if err != nil {
		return nil, err
	}
	return &core.CertificateRecord{
		ID:           id,
		StoredStatus: core.CertificateStatus(status),
		LastUpdated:  time.UnixMilli(updatedMillis),
	}, nil
}

// Update writes back the record's status and last-updated instant.
func (r *CertificateRegistry) Update(record *core.CertificateRecord) error {
	lock := r.stripes.forKey(record.ID)
	lock.Lock()
	defer lock.Unlock()
	return r.writeRecord(record)
}

func (r *CertificateRegistry) writeRecord(record *core.CertificateRecord) error {
	if err := r.rs.PutString(certStatusKey(record.ID), string(record.StoredStatus)); err != nil {
		return err
	}
	return r.rs.PutInt64(certStatusUpdatedKey(record.ID), record.LastUpdated.UnixMilli())
}

// Delete removes the record and its PEM blob. Deleting an absent record is
// not an error.
func (r *CertificateRegistry) Delete(id string) error {
	lock := r.stripes.forKey(id)
	lock.Lock()
	defer lock.Unlock()
	if err := r.rs.DeleteTree(fmt.Sprintf("%s/%s", certRecordRoot, id)); err != nil {
		return err
	}
	return r.rs.DeleteTree(fmt.Sprintf("%s/%s", certBlobRoot, id))
}

// PEM returns the stored PEM blob for a certificate ID.
func (r *CertificateRegistry) PEM(id string) ([]byte, error) {
	return r.rs.Get(certBlobKey(id))
}

// All iterates over every persisted record. Iteration stops at the first
// callback error, which is returned; records deleted while iterating are
// skipped. The PEM blob is not read, so a record whose blob has gone
// missing still iterates with its stored status.
func (r *CertificateRegistry) All(fn func(*core.CertificateRecord) error) error {
	ids, err := r.rs.List(certRecordRoot)
	if err != nil {
		return err
	}
	for _, id := range ids {
		record, err := r.GetByID(id)
		if err != nil {
			if cdaerr.Is(err, cdaerr.NotFound) {
				// Deleted while iterating.
				continue
			}
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}
