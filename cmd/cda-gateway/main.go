// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jmhodges/clock"

	"github.com/aws-greengrass/client-device-auth/auth"
	"github.com/aws-greengrass/client-device-auth/ca"
	"github.com/aws-greengrass/client-device-auth/cloud"
	"github.com/aws-greengrass/client-device-auth/cmd"
	"github.com/aws-greengrass/client-device-auth/core"
	"github.com/aws-greengrass/client-device-auth/events"
	"github.com/aws-greengrass/client-device-auth/issuer"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/policy"
	"github.com/aws-greengrass/client-device-auth/reconciler"
	"github.com/aws-greengrass/client-device-auth/registry"
	"github.com/aws-greengrass/client-device-auth/session"
	"github.com/aws-greengrass/client-device-auth/store"
	"github.com/aws-greengrass/client-device-auth/task"
)

// staticConnectivity serves the configured host addresses to the issuer.
type staticConnectivity struct {
	addresses []string
}

func (s staticConnectivity) HostAddresses() []string {
	return s.addresses
}

// compileDeviceGroups turns the raw deviceGroups configuration subtree
// into a compiled GroupConfiguration.
func compileDeviceGroups(c *cmd.Config) (*policy.GroupConfiguration, error) {
	definitions := map[string]*policy.GroupDefinition{}
	for name, raw := range c.DeviceGroups.Definitions {
		def, err := policy.NewGroupDefinition(raw.SelectionRule, raw.PolicyName)
		if err != nil {
			return nil, err
		}
		definitions[name] = def
	}
	policies := map[string]policy.Document{}
	for name, statements := range c.DeviceGroups.Policies {
		document := policy.Document{}
		for id, raw := range statements {
			document[id] = policy.Statement{
				Effect:     policy.Effect(raw.Effect),
				Operations: raw.Operations,
				Resources:  raw.Resources,
			}
		}
		policies[name] = document
	}
	return policy.NewGroupConfiguration(definitions, policies)
}

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c cmd.Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading config file into config structure")

	scope, logger := cmd.StatsAndLogging(c.Syslog)
	logger.Info(cmd.VersionString())

	clk := clock.New()
	rs, err := store.Open(c.Gateway.RuntimeStorePath, logger)
	cmd.FailOnError(err, "Opening runtime store")

	bus := events.NewBus()

	caStore, err := ca.NewStore(rs, clk, logger, scope, bus, c.Gateway.KeystorePath)
	cmd.FailOnError(err, "Initializing CA store")

	certs := registry.NewCertificateRegistry(rs, clk, logger)
	things := registry.NewThingRegistry(rs, clk, logger)

	// The control plane binding is registered by the enclosing runtime.
	// Without one, verification leans on cached trust and retries.
	var client cloud.ControlPlaneClient = cloud.DisconnectedClient{}
	verifier := cloud.NewVerifier(client, c.Cloud.RequestTimeout.Duration, logger)

	sessions, err := session.NewManager(
		c.MaxActiveAuthTokens(logger),
		c.TrustDuration(logger),
		certs, things, verifier, clk, logger, scope)
	cmd.FailOnError(err, "Initializing session manager")

	engine := auth.NewEngine(sessions, logger, scope)
	groups, err := compileDeviceGroups(&c)
	if err != nil {
		// A bad group configuration must not take the gateway down; the
		// engine denies everything until a good compile is installed.
		logger.AuditErrf("Device group configuration rejected: %s", err)
	} else {
		engine.UpdateGroups(groups)
	}

	iss := issuer.New(caStore, staticConnectivity{addresses: c.Connectivity.HostAddresses},
		bus, clk, logger, scope,
		c.ServerValidity(logger), c.ClientValidity(logger),
		c.Certificates.DisableCertificateRotation)
	monitor := issuer.NewExpiryMonitor(iss, clk, logger, scope)

	rec := reconciler.New(verifier, things, certs, sessions, bus, clk, logger, scope)

	ensureCA(&c, caStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sched := task.NewScheduler(c.Gateway.WorkerPoolSize, clk, logger)
	sched.Periodic(ctx, "expiry-monitor", issuer.DefaultMonitorInterval, monitor.Tick)
	sched.Periodic(ctx, "reconciler", time.Hour, rec.Tick)

	go cmd.DebugServer(c.Gateway.DebugAddr)

	logger.Infof("Client device auth gateway running, session capacity %d", c.MaxActiveAuthTokens(logger))
	cmd.CatchSignals(logger, func() {
		cancel()
		sched.Wait()
		if err := rs.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "closing runtime store: %s\n", err)
		}
	})
}

// ensureCA brings up the CA per configuration: an externally supplied
// key/cert pair when URIs are configured, a generated CA of the
// configured type otherwise.
func ensureCA(c *cmd.Config, caStore *ca.Store, logger blog.Logger) {
	if c.CertificateAuthority.PrivateKeyURI != "" {
		_, err := caStore.UseExternal(
			c.CertificateAuthority.PrivateKeyURI,
			c.CertificateAuthority.CertificateURI,
			string(c.CertificateAuthority.PKCS11PIN))
		cmd.FailOnError(err, "Loading configured certificate authority")
		return
	}
	desired, err := core.CATypeFromList(c.CertificateAuthority.CAType)
	cmd.FailOnError(err, "Resolving configured CA type")
	_, rotated, err := caStore.Ensure(desired)
	cmd.FailOnError(err, "Ensuring certificate authority")
	if rotated {
		logger.Info("Certificate authority rotated to match configured type")
	}
}
