package store

import (
	"path/filepath"
	"sort"
	"testing"

	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
	"github.com/aws-greengrass/client-device-auth/test"
)

func initStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runtime.db"), blog.NewMock())
	if err != nil {
		t.Fatalf("opening store: %s", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := initStore(t)

	_, err := s.Get("runtime/ca_passphrase")
	test.AssertError(t, err, "expected NotFound for missing value")
	test.Assert(t, cdaerr.Is(err, cdaerr.NotFound), "wrong error type for missing value")

	err = s.PutString("runtime/ca_passphrase", "hunter2hunter2hunter2")
	test.AssertNotError(t, err, "put failed")

	got, err := s.GetString("runtime/ca_passphrase")
	test.AssertNotError(t, err, "get failed")
	test.AssertEquals(t, got, "hunter2hunter2hunter2")

	err = s.Delete("runtime/ca_passphrase")
	test.AssertNotError(t, err, "delete failed")
	_, err = s.Get("runtime/ca_passphrase")
	test.Assert(t, cdaerr.Is(err, cdaerr.NotFound), "value should be gone")

	err = s.Delete("runtime/ca_passphrase")
	test.AssertNotError(t, err, "deleting an absent value should be a no-op")
}

func TestNestedTree(t *testing.T) {
	s := initStore(t)

	err := s.PutInt64("runtime/things/v1/alpha/certificates/cert1", 1234)
	test.AssertNotError(t, err, "put failed")
	err = s.PutInt64("runtime/things/v1/alpha/certificates/cert2", 5678)
	test.AssertNotError(t, err, "put failed")
	err = s.PutInt64("runtime/things/v1/beta/certificates/cert3", 9012)
	test.AssertNotError(t, err, "put failed")

	names, err := s.List("runtime/things/v1")
	test.AssertNotError(t, err, "list failed")
	sort.Strings(names)
	test.AssertDeepEquals(t, names, []string{"alpha", "beta"})

	millis, err := s.GetInt64("runtime/things/v1/alpha/certificates/cert2")
	test.AssertNotError(t, err, "get failed")
	test.AssertEquals(t, millis, int64(5678))

	err = s.DeleteTree("runtime/things/v1/alpha")
	test.AssertNotError(t, err, "delete tree failed")
	names, err = s.List("runtime/things/v1")
	test.AssertNotError(t, err, "list failed")
	test.AssertDeepEquals(t, names, []string{"beta"})

	err = s.DeleteTree("runtime/things/v1/alpha")
	test.AssertNotError(t, err, "deleting an absent subtree should be a no-op")
}

func TestStringList(t *testing.T) {
	s := initStore(t)

	pems := []string{"-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"}
	err := s.PutStringList("runtime/certificates/authorities", pems)
	test.AssertNotError(t, err, "put failed")

	got, err := s.GetStringList("runtime/certificates/authorities")
	test.AssertNotError(t, err, "get failed")
	test.AssertDeepEquals(t, got, pems)

	// Replacement is atomic: the list is a single value.
	err = s.PutStringList("runtime/certificates/authorities", []string{"a", "b"})
	test.AssertNotError(t, err, "replace failed")
	got, err = s.GetStringList("runtime/certificates/authorities")
	test.AssertNotError(t, err, "get failed")
	test.AssertEquals(t, len(got), 2)
}

func TestListMissingNode(t *testing.T) {
	s := initStore(t)
	names, err := s.List("runtime/nothing/here")
	test.AssertNotError(t, err, "listing a missing node should not fail")
	test.AssertEquals(t, len(names), 0)
}

func TestBadPaths(t *testing.T) {
	s := initStore(t)
	_, err := s.Get("")
	test.AssertError(t, err, "empty path should fail")
	err = s.Put("toplevel", []byte("x"))
	test.AssertError(t, err, "single-segment path should fail")
}
