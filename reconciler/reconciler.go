// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package reconciler keeps the local Thing and certificate registries in
// agreement with the cloud's view, at most once per day, driven by both a
// scheduler and network-state transitions.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/cloud"
	"github.com/aws-greengrass/client-device-auth/core"
	"github.com/aws-greengrass/client-device-auth/events"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
	"github.com/aws-greengrass/client-device-auth/registry"
)

// Interval is the reconciliation period.
const Interval = 24 * time.Hour

// SessionRefresher is the slice of the session manager the reconciler
// drives after registry cleanup.
type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

// Reconciler walks the registries, consults the cloud list of associated
// client devices, and deletes local Things and certificates the cloud no
// longer knows about.
type Reconciler struct {
	running sync.Mutex

	stateMu   sync.Mutex
	lastRanAt time.Time
	nextRunAt time.Time

	verifier *cloud.Verifier
	things   *registry.ThingRegistry
	certs    *registry.CertificateRegistry
	sessions SessionRefresher

	clk   clock.Clock
	log   blog.Logger
	stats metrics.Scope
}

// New builds a Reconciler and subscribes it to network-state transitions
// on the bus: a DOWN-to-UP flip triggers a run when the last one is at
// least a day old. sessions may be nil.
func New(verifier *cloud.Verifier, things *registry.ThingRegistry, certs *registry.CertificateRegistry, sessions SessionRefresher, bus *events.Bus, clk clock.Clock, logger blog.Logger, stats metrics.Scope) *Reconciler {
	r := &Reconciler{
		verifier: verifier,
		things:   things,
		certs:    certs,
		sessions: sessions,
		clk:      clk,
		log:      logger,
		stats:    stats,
		nextRunAt: clk.Now(),
	}
	bus.Subscribe(events.KindConnectionStateChanged, func(e events.Event) {
		change, ok := e.(events.ConnectionStateChanged)
		if !ok || change.State != core.NetworkUp {
			return
		}
		// Bus delivery is synchronous on the publisher; the actual run
		// goes to its own goroutine.
		go func() {
			if err := r.Run(context.Background()); err != nil {
				r.log.Warningf("Network-triggered reconciliation failed: %s", err)
			}
		}()
	})
	return r
}

// Tick is the scheduler entry point: it runs when the next scheduled run
// is due.
func (r *Reconciler) Tick(ctx context.Context) {
	r.stateMu.Lock()
	due := !r.clk.Now().Before(r.nextRunAt)
	r.stateMu.Unlock()
	if !due {
		return
	}
	if err := r.Run(ctx); err != nil {
		r.log.Warningf("Scheduled reconciliation failed: %s", err)
	}
}

// Run performs one reconciliation. It returns immediately when another run
// is in progress, and is a no-op (making no cloud calls) within a day of
// the last successful run. A cloud listing failure postpones the next
// attempt by a day without marking the run as done.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.TryLock() {
		return nil
	}
	defer r.running.Unlock()

	now := r.clk.Now()
	r.stateMu.Lock()
	ranRecently := !r.lastRanAt.IsZero() && now.Sub(r.lastRanAt) < Interval
	r.stateMu.Unlock()
	if ranRecently {
		return nil
	}

	r.log.Info("Reconciling local device registries against the cloud")
	cloudThings, err := r.listCloudThings(ctx)
	if err != nil {
		r.stats.Inc("Reconciler.Failures", 1)
		r.stateMu.Lock()
		r.nextRunAt = r.clk.Now().Add(Interval)
		r.stateMu.Unlock()
		return err
	}

	errs := r.cleanup(ctx, cloudThings)

	finished := r.clk.Now()
	r.stateMu.Lock()
	r.lastRanAt = finished
	r.nextRunAt = finished.Add(Interval)
	r.stateMu.Unlock()
	r.stats.Inc("Reconciler.Runs", 1)
	return errs
}

func (r *Reconciler) listCloudThings(ctx context.Context) (map[string]bool, error) {
	names := map[string]bool{}
	it := r.verifier.ListThingsAssociatedWithCore(ctx)
	for it.Next() {
		names[it.Device().ThingName] = true
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// cleanup deletes local Things absent from the cloud list, then
// certificates no remaining Thing references. Partial failures are
// aggregated; they postpone cleanup of the affected records to the next
// run but never corrupt local state.
func (r *Reconciler) cleanup(ctx context.Context, cloudThings map[string]bool) error {
	var errs *multierror.Error

	var orphanThings []string
	err := r.things.All(func(t *core.Thing) error {
		if !cloudThings[t.Name] {
			orphanThings = append(orphanThings, t.Name)
		}
		return nil
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, name := range orphanThings {
		r.log.Infof("Deleting thing %s no longer associated with this core", name)
		if err := r.things.Delete(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	var orphanCerts []string
	err = r.certs.All(func(record *core.CertificateRecord) error {
		attached, err := r.things.AnyThingAttached(record.ID)
		if err != nil {
			return err
		}
		if !attached {
			orphanCerts = append(orphanCerts, record.ID)
		}
		return nil
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, id := range orphanCerts {
		r.log.Infof("Deleting certificate %s no longer attached to any thing", id)
		if err := r.certs.Delete(id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if r.sessions != nil {
		if err := r.sessions.Refresh(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// LastRanAt returns the completion instant of the last successful run.
func (r *Reconciler) LastRanAt() time.Time {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.lastRanAt
}

// NextScheduledRunAt returns when the scheduler will next attempt a run.
func (r *Reconciler) NextScheduledRunAt() time.Time {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.nextRunAt
}
