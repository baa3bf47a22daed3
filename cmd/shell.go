// This package provides utilities that underlie the specific commands.
// All commands share the same invocation pattern: they take a single
// parameter "-config", the name of a JSON or YAML file holding the
// configuration for the service, which is unmarshalled into a Config
// object.

package cmd

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"log/syslog"
	"net"
	"net/http"
	_ "net/http/pprof" // HTTP performance profiling, added transparently to the debug server
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/metrics"
)

// Because we don't know when this init will be called with respect to
// flag.Parse() and other flag definitions, we can't rely on the regular
// flag mechanism. But this one is fine.
func init() {
	for _, v := range os.Args {
		if v == "--version" || v == "-version" {
			fmt.Println(VersionString())
			os.Exit(0)
		}
	}
}

// StatsAndLogging constructs a metrics.Scope and a Logger based on the
// config parameters, and returns them both. Crashes if any setup fails.
// Also sets the constructed Logger as the default logger.
func StatsAndLogging(logConf SyslogConfig) (metrics.Scope, blog.Logger) {
	scope := metrics.NewPromScope(prometheus.DefaultRegisterer)

	tag := path.Base(os.Args[0])
	syslogger, err := syslog.Dial("", "", syslog.LOG_INFO|syslog.LOG_LOCAL0, tag)
	FailOnError(err, "Could not connect to Syslog")
	syslogLevel := int(syslog.LOG_INFO)
	if logConf.SyslogLevel != 0 {
		syslogLevel = logConf.SyslogLevel
	}
	stdoutLevel := int(syslog.LOG_INFO)
	if logConf.StdoutLevel != 0 {
		stdoutLevel = logConf.StdoutLevel
	}
	logger, err := blog.New(syslogger, stdoutLevel, syslogLevel)
	FailOnError(err, "Could not initialize logging")

	_ = blog.Set(logger)
	return scope, logger
}

// FailOnError exits and prints an error message if we encountered a problem
func FailOnError(err error, msg string) {
	if err != nil {
		logger := blog.Get()
		logger.AuditErrf("%s: %s", msg, err)
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// DebugServer starts a server to receive debug information. Typical
// usage is to start it in a goroutine:
//
//	go cmd.DebugServer(c.Gateway.DebugAddr)
func DebugServer(addr string) {
	if addr == "" {
		log.Fatalf("unable to boot debug server because no address was given for it. Set debugAddr.")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("unable to boot debug server on %#v", addr)
	}
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/debug/vars", expvar.Handler())
	err = http.Serve(ln, nil)
	if err != nil {
		log.Fatalf("unable to boot debug server: %v", err)
	}
}

// ReadConfigFile takes a file path as an argument and attempts to
// unmarshal the content of the file into a Config struct. Files ending in
// .yaml or .yml parse as YAML; everything else parses as JSON.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(configData, out)
	}
	return json.Unmarshal(configData, out)
}

// VersionString produces a friendly Application version string.
func VersionString() string {
	name := path.Base(os.Args[0])
	return fmt.Sprintf("Versions: %s=(%s %s) Golang=(%s) BuildHost=(%s)", name, GetBuildID(), GetBuildTime(), runtime.Version(), GetBuildHost())
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals catches SIGTERM, SIGINT, SIGHUP and executes a callback
// method before exiting
func CatchSignals(logger blog.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	signal.Notify(sigChan, syscall.SIGHUP)

	sig := <-sigChan
	logger.Infof("Caught %s", signalToName[sig])

	if callback != nil {
		callback()
	}

	logger.Info("Exiting")
	os.Exit(0)
}
