// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package registry

import (
	"fmt"
	"time"

	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/core"
	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/store"
)

const thingRoot = "runtime/things/v1"

// ThingRegistry stores Things with their attached certificate IDs and the
// per-attachment last-verified instants.
type ThingRegistry struct {
	rs      *store.Store
	clk     clock.Clock
	log     blog.Logger
	stripes stripedLocks
}

// NewThingRegistry builds a ThingRegistry over the runtime store.
func NewThingRegistry(rs *store.Store, clk clock.Clock, logger blog.Logger) *ThingRegistry {
	return &ThingRegistry{rs: rs, clk: clk, log: logger}
}

func thingVersionKey(name string) string {
	return fmt.Sprintf("%s/%s/version", thingRoot, name)
}

func thingCertificatesPath(name string) string {
	return fmt.Sprintf("%s/%s/certificates", thingRoot, name)
}

// GetOrCreate returns the persisted Thing with the given name, or a fresh
// unpersisted one. The name is validated either way.
func (r *ThingRegistry) GetOrCreate(name string) (*core.Thing, error) {
	thing, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if thing != nil {
		return thing, nil
	}
	return core.NewThing(name)
}

// Get returns the persisted Thing with the given name, or nil if it has
// never been stored.
func (r *ThingRegistry) Get(name string) (*core.Thing, error) {
	if !core.ValidThingName(name) {
		return nil, cdaerr.InvalidArgumentError("invalid thing name %q", name)
	}

	lock := r.stripes.forKey(name)
	lock.Lock()
	defer lock.Unlock()
	return r.get(name)
}

func (r *ThingRegistry) get(name string) (*core.Thing, error) {
	version, err := r.rs.GetInt64(thingVersionKey(name))
	if err != nil {
		if cdaerr.Is(err, cdaerr.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	thing, err := core.NewThing(name)
	if err != nil {
		return nil, err
	}
	thing.Version = uint64(version)

	certIDs, err := r.rs.List(thingCertificatesPath(name))
	if err != nil {
		return nil, err
	}
	for _, id := range certIDs {
		millis, err := r.rs.GetInt64(fmt.Sprintf("%s/%s", thingCertificatesPath(name), id))
		if err != nil {
			if cdaerr.Is(err, cdaerr.NotFound) {
				continue
			}
			return nil, err
		}
		thing.Attachments[id] = time.UnixMilli(millis)
	}
	thing.ClearModified()
	return thing, nil
}

// Update persists the Thing. It writes only if the Thing carries
// unpersisted changes or the persisted version is older than the passed
// one; each write bumps the version monotonically.
func (r *ThingRegistry) Update(thing *core.Thing) error {
	lock := r.stripes.forKey(thing.Name)
	lock.Lock()
	defer lock.Unlock()

	persistedVersion, err := r.rs.GetInt64(thingVersionKey(thing.Name))
	if err != nil && !cdaerr.Is(err, cdaerr.NotFound) {
		return err
	}
	known := err == nil
	if known && !thing.Modified() && uint64(persistedVersion) >= thing.Version {
		return nil
	}

	// Replace the attachment subtree wholesale, then bump the version.
	if err := r.rs.DeleteTree(thingCertificatesPath(thing.Name)); err != nil {
		return err
	}
	for id, verifiedAt := range thing.Attachments {
		key := fmt.Sprintf("%s/%s", thingCertificatesPath(thing.Name), id)
		if err := r.rs.PutInt64(key, verifiedAt.UnixMilli()); err != nil {
			return err
		}
	}

	next := thing.Version
	if known && uint64(persistedVersion) >= next {
		next = uint64(persistedVersion)
	}
	next++
	if err := r.rs.PutInt64(thingVersionKey(thing.Name), int64(next)); err != nil {
		return err
	}
	thing.Version = next
	thing.ClearModified()
	return nil
}

// Delete removes the Thing and all its attachments. Deleting an absent
// Thing is not an error.
func (r *ThingRegistry) Delete(name string) error {
	lock := r.stripes.forKey(name)
	lock.Lock()
	defer lock.Unlock()
	return r.rs.DeleteTree(fmt.Sprintf("%s/%s", thingRoot, name))
}

// All iterates over every persisted Thing.
func (r *ThingRegistry) All(fn func(*core.Thing) error) error {
	names, err := r.rs.List(thingRoot)
	if err != nil {
		return err
	}
	for _, name := range names {
		thing, err := r.Get(name)
		if err != nil {
			return err
		}
		if thing == nil {
			continue
		}
		if err := fn(thing); err != nil {
			return err
		}
	}
	return nil
}

// AnyThingAttached reports whether at least one persisted Thing still
// references the certificate.
func (r *ThingRegistry) AnyThingAttached(certID string) (bool, error) {
	attached := false
	err := r.All(func(t *core.Thing) error {
		if t.IsAttached(certID) {
			attached = true
		}
		return nil
	})
	return attached, err
}
