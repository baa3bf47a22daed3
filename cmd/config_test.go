package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/session"
	"github.com/aws-greengrass/client-device-auth/test"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %s", name, err)
	}
	return path
}

func TestReadConfigFileJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"gateway": {"debugAddr": ":8003"},
		"security": {"clientDeviceTrustDurationHours": 48},
		"certificates": {"serverCertificateValiditySeconds": 86400},
		"deviceGroups": {
			"definitions": {"g1": {"selectionRule": "thingName: \"alpha\"", "policyName": "p1"}},
			"policies": {"p1": {"s1": {"effect": "ALLOW", "operations": ["mqtt:publish"], "resources": ["*"]}}}
		},
		"cloud": {"requestTimeout": "10s"}
	}`)

	var c Config
	test.AssertNotError(t, ReadConfigFile(path, &c), "reading JSON config")
	test.AssertEquals(t, c.Gateway.DebugAddr, ":8003")
	test.AssertEquals(t, c.Security.ClientDeviceTrustDurationHours, 48)
	test.AssertEquals(t, c.DeviceGroups.Definitions["g1"].PolicyName, "p1")
	test.AssertEquals(t, c.DeviceGroups.Policies["p1"]["s1"].Effect, "ALLOW")
	test.AssertEquals(t, c.Cloud.RequestTimeout.Duration, 10*time.Second)
}

func TestReadConfigFileYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
gateway:
  debugAddr: ":8003"
security:
  clientDeviceTrustDurationHours: 12
cloud:
  requestTimeout: 45s
`)

	var c Config
	test.AssertNotError(t, ReadConfigFile(path, &c), "reading YAML config")
	test.AssertEquals(t, c.Gateway.DebugAddr, ":8003")
	test.AssertEquals(t, c.Security.ClientDeviceTrustDurationHours, 12)
	test.AssertEquals(t, c.Cloud.RequestTimeout.Duration, 45*time.Second)
}

func TestTrustDurationClamping(t *testing.T) {
	logger := blog.NewMock()
	var c Config

	test.AssertEquals(t, c.TrustDuration(logger), 24*time.Hour)

	c.Security.ClientDeviceTrustDurationHours = 48
	test.AssertEquals(t, c.TrustDuration(logger), 48*time.Hour)

	c.Security.ClientDeviceTrustDurationHours = -3
	test.AssertEquals(t, c.TrustDuration(logger), time.Duration(0))
	test.AssertEquals(t, len(logger.GetAllMatching("clamping")), 1)
}

func TestValidityClamping(t *testing.T) {
	logger := blog.NewMock()
	var c Config

	test.AssertEquals(t, c.ServerValidity(logger), 7*24*time.Hour)
	test.AssertEquals(t, c.ClientValidity(logger), 7*24*time.Hour)

	c.Certificates.ServerCertificateValiditySeconds = 30
	test.AssertEquals(t, c.ServerValidity(logger), 60*time.Second)

	c.Certificates.ServerCertificateValiditySeconds = 864001
	test.AssertEquals(t, c.ServerValidity(logger), 864000*time.Second)

	c.Certificates.ClientCertificateValiditySeconds = 86400
	test.AssertEquals(t, c.ClientValidity(logger), 24*time.Hour)
}

func TestMaxActiveAuthTokens(t *testing.T) {
	logger := blog.NewMock()
	var c Config

	test.AssertEquals(t, c.MaxActiveAuthTokens(logger), session.DefaultCapacity)
	c.Performance.MaxActiveAuthTokens = 10
	test.AssertEquals(t, c.MaxActiveAuthTokens(logger), 10)
	c.Performance.MaxActiveAuthTokens = -5
	test.AssertEquals(t, c.MaxActiveAuthTokens(logger), session.DefaultCapacity)
}

func TestConfigDurationRejectsNonString(t *testing.T) {
	var d ConfigDuration
	err := d.UnmarshalJSON([]byte(`12`))
	test.AssertEquals(t, err, ErrDurationMustBeString)
	test.AssertNotError(t, d.UnmarshalJSON([]byte(`"90s"`)), "string duration should parse")
	test.AssertEquals(t, d.Duration, 90*time.Second)
}

func TestConfigSecretFileIndirection(t *testing.T) {
	secretPath := writeFile(t, "pin", "123456\n")

	var s ConfigSecret
	test.AssertNotError(t, s.UnmarshalJSON([]byte(`"plain-value"`)), "plain secret should parse")
	test.AssertEquals(t, string(s), "plain-value")

	test.AssertNotError(t, s.UnmarshalJSON([]byte(`"secret:`+secretPath+`"`)), "file secret should parse")
	test.AssertEquals(t, string(s), "123456")
}

func TestPKCS11PINSecret(t *testing.T) {
	secretPath := writeFile(t, "pin", "654321\n")

	jsonPath := writeFile(t, "config.json", `{
		"certificateAuthority": {
			"privateKeyUri": "pkcs11:token=gg-core?module-path=/usr/lib/softhsm2.so",
			"certificateUri": "file:///greengrass/ca.pem",
			"pkcs11Pin": "secret:`+secretPath+`"
		}
	}`)
	var c Config
	test.AssertNotError(t, ReadConfigFile(jsonPath, &c), "reading JSON config")
	test.AssertEquals(t, string(c.CertificateAuthority.PKCS11PIN), "654321")

	yamlPath := writeFile(t, "config.yaml", `
certificateAuthority:
  privateKeyUri: "pkcs11:token=gg-core?module-path=/usr/lib/softhsm2.so"
  certificateUri: "file:///greengrass/ca.pem"
  pkcs11Pin: "secret:`+secretPath+`"
`)
	c = Config{}
	test.AssertNotError(t, ReadConfigFile(yamlPath, &c), "reading YAML config")
	test.AssertEquals(t, string(c.CertificateAuthority.PKCS11PIN), "654321")
}
