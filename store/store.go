// Package store provides the runtime store: a durable, tree-shaped
// key-value facade over a single bbolt file. Registry state, the CA
// passphrase and the published CA list all persist through it. Writes go
// through bbolt transactions, so callers never observe torn state; all
// writes are serialized globally, which is what the crash-consistency
// story of the registries relies on.
package store

import (
	"encoding/json"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	cdaerr "github.com/aws-greengrass/client-device-auth/errors"
	blog "github.com/aws-greengrass/client-device-auth/log"
)

// Store is a handle on the runtime store file.
type Store struct {
	db  *bolt.DB
	log blog.Logger
}

// Open opens or creates the runtime store file at path.
func Open(path string, logger blog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, bolt.DefaultOptions)
	if err != nil {
		return nil, cdaerr.InternalServerError("opening runtime store %s: %s", path, err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// splitPath breaks a slash-separated path into its segments. The final
// segment is the key; the leading segments name nested buckets.
func splitPath(path string) ([]string, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return nil, cdaerr.InvalidArgumentError("empty store path %q", path)
	}
	for _, seg := range segments {
		if seg == "" {
			return nil, cdaerr.InvalidArgumentError("empty segment in store path %q", path)
		}
	}
	return segments, nil
}

// descend walks the bucket chain for the given segments inside a read
// transaction, returning nil if any bucket is absent.
func descend(tx *bolt.Tx, segments []string) *bolt.Bucket {
	b := tx.Bucket([]byte(segments[0]))
	for _, seg := range segments[1:] {
		if b == nil {
			return nil
		}
		b = b.Bucket([]byte(seg))
	}
	return b
}

// Put stores value at path, creating intermediate tree nodes as needed.
func (s *Store) Put(path string, value []byte) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments) < 2 {
		return cdaerr.InvalidArgumentError("store path %q has no parent node", path)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(segments[0]))
		if err != nil {
			return err
		}
		for _, seg := range segments[1 : len(segments)-1] {
			b, err = b.CreateBucketIfNotExists([]byte(seg))
			if err != nil {
				return err
			}
		}
		return b.Put([]byte(segments[len(segments)-1]), value)
	})
	if err != nil {
		return cdaerr.InternalServerError("writing %s to runtime store: %s", path, err)
	}
	return nil
}

// Get returns the value at path, or a NotFound error.
func (s *Store) Get(path string) ([]byte, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segments) < 2 {
		return nil, cdaerr.InvalidArgumentError("store path %q has no parent node", path)
	}
	var value []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b := descend(tx, segments[:len(segments)-1])
		if b == nil {
			return cdaerr.NotFoundError("no value at %s", path)
		}
		v := b.Get([]byte(segments[len(segments)-1]))
		if v == nil {
			return cdaerr.NotFoundError("no value at %s", path)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes the value at path. Deleting an absent value is not an
// error.
func (s *Store) Delete(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments) < 2 {
		return cdaerr.InvalidArgumentError("store path %q has no parent node", path)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := descend(tx, segments[:len(segments)-1])
		if b == nil {
			return nil
		}
		return b.Delete([]byte(segments[len(segments)-1]))
	})
	if err != nil {
		return cdaerr.InternalServerError("deleting %s from runtime store: %s", path, err)
	}
	return nil
}

// DeleteTree removes the subtree rooted at path, including all nested
// values. Deleting an absent subtree is not an error.
func (s *Store) DeleteTree(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if len(segments) == 1 {
			err := tx.DeleteBucket([]byte(segments[0]))
			if err == bolt.ErrBucketNotFound {
				return nil
			}
			return err
		}
		b := descend(tx, segments[:len(segments)-1])
		if b == nil {
			return nil
		}
		err := b.DeleteBucket([]byte(segments[len(segments)-1]))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return cdaerr.InternalServerError("deleting subtree %s from runtime store: %s", path, err)
	}
	return nil
}

// List returns the names of the immediate children (values and subtrees)
// of the node at path. A missing node lists as empty.
func (s *Store) List(path string) ([]string, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	var children []string
	err = s.db.View(func(tx *bolt.Tx) error {
		b := descend(tx, segments)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			children = append(children, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, cdaerr.InternalServerError("listing %s in runtime store: %s", path, err)
	}
	return children, nil
}

// PutString stores a string value at path.
func (s *Store) PutString(path, value string) error {
	return s.Put(path, []byte(value))
}

// GetString returns the string value at path.
func (s *Store) GetString(path string) (string, error) {
	v, err := s.Get(path)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// PutInt64 stores an integer value at path in decimal form.
func (s *Store) PutInt64(path string, value int64) error {
	return s.Put(path, []byte(strconv.FormatInt(value, 10)))
}

// GetInt64 returns the integer value at path.
func (s *Store) GetInt64(path string) (int64, error) {
	v, err := s.Get(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, cdaerr.InternalServerError("corrupt integer at %s: %s", path, err)
	}
	return n, nil
}

// PutStringList stores a list of strings at path.
func (s *Store) PutStringList(path string, values []string) error {
	encoded, err := json.Marshal(values)
	if err != nil {
		return cdaerr.InternalServerError("encoding list for %s: %s", path, err)
	}
	return s.Put(path, encoded)
}

// GetStringList returns the list of strings at path.
func (s *Store) GetStringList(path string) ([]string, error) {
	v, err := s.Get(path)
	if err != nil {
		return nil, err
	}
	var values []string
	if err := json.Unmarshal(v, &values); err != nil {
		return nil, cdaerr.InternalServerError("corrupt list at %s: %s", path, err)
	}
	return values, nil
}
