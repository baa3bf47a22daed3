// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"strings"
	"time"

	"github.com/aws-greengrass/client-device-auth/issuer"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/session"
)

// Config mirrors the service's configuration tree. It is read from a JSON
// or YAML file; see ReadConfigFile.
type Config struct {
	Gateway struct {
		// DebugAddr is the address to run the /debug and /metrics
		// handlers on.
		DebugAddr string `json:"debugAddr" yaml:"debugAddr"`

		// RuntimeStorePath locates the runtime store file.
		RuntimeStorePath string `json:"runtimeStorePath" yaml:"runtimeStorePath"`

		// KeystorePath locates the encrypted CA keystore file.
		KeystorePath string `json:"keystorePath" yaml:"keystorePath"`

		// WorkerPoolSize bounds the shared scheduled worker pool.
		WorkerPoolSize int64 `json:"workerPoolSize" yaml:"workerPoolSize"`
	} `json:"gateway" yaml:"gateway"`

	CertificateAuthority struct {
		// PrivateKeyURI and CertificateURI configure an externally
		// supplied CA. The key may be a file: or pkcs11: URI; a key URI
		// without a certificate URI is a configuration error.
		PrivateKeyURI  string `json:"privateKeyUri" yaml:"privateKeyUri"`
		CertificateURI string `json:"certificateUri" yaml:"certificateUri"`

		// PKCS11PIN supplies the user PIN for a pkcs11: private key
		// URI, typically via the "secret:" file indirection so the PIN
		// stays out of the config file. It takes precedence over a
		// pin-value attribute embedded in the URI.
		PKCS11PIN ConfigSecret `json:"pkcs11Pin" yaml:"pkcs11Pin"`

		// CAType selects the generated CA's key algorithm; the list
		// form matches the cloud configuration shape. Empty means
		// RSA_2048.
		CAType []string `json:"caType" yaml:"caType"`
	} `json:"certificateAuthority" yaml:"certificateAuthority"`

	Performance struct {
		MaxActiveAuthTokens int `json:"maxActiveAuthTokens" yaml:"maxActiveAuthTokens"`

		// Deprecated: cloud requests are no longer queued.
		CloudRequestQueueSize int `json:"cloudRequestQueueSize" yaml:"cloudRequestQueueSize"`

		// Deprecated: cloud requests are no longer pooled.
		MaxConcurrentCloudRequests int `json:"maxConcurrentCloudRequests" yaml:"maxConcurrentCloudRequests"`
	} `json:"performance" yaml:"performance"`

	Security struct {
		ClientDeviceTrustDurationHours int `json:"clientDeviceTrustDurationHours" yaml:"clientDeviceTrustDurationHours"`
	} `json:"security" yaml:"security"`

	Certificates struct {
		ServerCertificateValiditySeconds int  `json:"serverCertificateValiditySeconds" yaml:"serverCertificateValiditySeconds"`
		ClientCertificateValiditySeconds int  `json:"clientCertificateValiditySeconds" yaml:"clientCertificateValiditySeconds"`
		DisableCertificateRotation       bool `json:"disableCertificateRotation" yaml:"disableCertificateRotation"`
	} `json:"certificates" yaml:"certificates"`

	DeviceGroups struct {
		Definitions map[string]GroupDefinitionConfig       `json:"definitions" yaml:"definitions"`
		Policies    map[string]map[string]StatementConfig  `json:"policies" yaml:"policies"`
	} `json:"deviceGroups" yaml:"deviceGroups"`

	Connectivity struct {
		HostAddresses []string `json:"hostAddresses" yaml:"hostAddresses"`
	} `json:"connectivity" yaml:"connectivity"`

	Cloud struct {
		RequestTimeout ConfigDuration `json:"requestTimeout" yaml:"requestTimeout"`
	} `json:"cloud" yaml:"cloud"`

	Syslog SyslogConfig `json:"syslog" yaml:"syslog"`
}

// GroupDefinitionConfig is the raw form of one device group definition.
type GroupDefinitionConfig struct {
	SelectionRule string `json:"selectionRule" yaml:"selectionRule"`
	PolicyName    string `json:"policyName" yaml:"policyName"`
}

// StatementConfig is the raw form of one policy statement.
type StatementConfig struct {
	Effect     string   `json:"effect" yaml:"effect"`
	Operations []string `json:"operations" yaml:"operations"`
	Resources  []string `json:"resources" yaml:"resources"`
}

// SyslogConfig defines the config for syslogging.
type SyslogConfig struct {
	StdoutLevel int `json:"stdoutLevel" yaml:"stdoutLevel"`
	SyslogLevel int `json:"syslogLevel" yaml:"syslogLevel"`
}

// DefaultTrustDurationHours is the default client device trust window.
const DefaultTrustDurationHours = 24

// TrustDuration returns the clamped client device trust window.
func (c *Config) TrustDuration(logger blog.Logger) time.Duration {
	hours := c.Security.ClientDeviceTrustDurationHours
	if hours == 0 {
		hours = DefaultTrustDurationHours
	}
	if hours < 0 {
		logger.Warningf("clientDeviceTrustDurationHours %d below minimum, clamping to 0", hours)
		hours = 0
	}
	return time.Duration(hours) * time.Hour
}

// ServerValidity returns the clamped server certificate validity.
func (c *Config) ServerValidity(logger blog.Logger) time.Duration {
	return issuer.ClampValidity(time.Duration(c.Certificates.ServerCertificateValiditySeconds)*time.Second, logger)
}

// ClientValidity returns the clamped client certificate validity.
func (c *Config) ClientValidity(logger blog.Logger) time.Duration {
	return issuer.ClampValidity(time.Duration(c.Certificates.ClientCertificateValiditySeconds)*time.Second, logger)
}

// MaxActiveAuthTokens returns the clamped session table capacity.
func (c *Config) MaxActiveAuthTokens(logger blog.Logger) int {
	capacity := c.Performance.MaxActiveAuthTokens
	if capacity < 0 {
		logger.Warningf("maxActiveAuthTokens %d below minimum, using default %d", capacity, session.DefaultCapacity)
		capacity = 0
	}
	if capacity > math.MaxInt32 {
		capacity = math.MaxInt32
	}
	return session.ClampCapacity(capacity, logger)
}

// ConfigDuration wraps time.Duration to allow serialization to YAML as
// well as JSON.
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigDuration")

// UnmarshalJSON parses a string into a ConfigDuration using
// time.ParseDuration.  If the input does not unmarshal as a
// string, then UnmarshalJSON returns ErrDurationMustBeString.
func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		var jsonErr *json.UnmarshalTypeError
		if errors.As(err, &jsonErr) {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration, as a byte array.
func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML uses the same format as JSON, but is called by the YAML
// parser (vs. the JSON parser).
func (d *ConfigDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	d.Duration = dur
	return nil
}

// A ConfigSecret represents a string-valued config field. It may be
// specified directly in the config or, if it starts with the string
// "secret:", its contents are read from the filename that comes after
// "secret:", with trailing newlines removed.
type ConfigSecret string

var errSecretMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigSecret")

const secretPrefix = "secret:"

// UnmarshalJSON unmarshals a ConfigSecret
func (d *ConfigSecret) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		var jsonErr *json.UnmarshalTypeError
		if errors.As(err, &jsonErr) {
			return errSecretMustBeString
		}
		return err
	}
	return d.resolve(s)
}

// UnmarshalYAML unmarshals a ConfigSecret from a YAML config, with the
// same "secret:" file indirection as the JSON path.
func (d *ConfigSecret) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.resolve(s)
}

func (d *ConfigSecret) resolve(s string) error {
	if !strings.HasPrefix(s, secretPrefix) {
		*d = ConfigSecret(s)
		return nil
	}
	contents, err := os.ReadFile(s[len(secretPrefix):])
	if err != nil {
		return err
	}
	*d = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}
