// Package plaindb stores versioned JSON buckets in a data directory, one file per bucket
package plaindb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const (
	// MaxUpgradeAttempts is the maximum number of times a record will attempt to be upgraded successively.
	// Prevents version loops, i.e. upgrading to v3 but going v1 -> v2 -> v1 forever
	MaxUpgradeAttempts = 1000
)

// Upgrader parses records and upgrades them to the bucket's current version
type Upgrader interface {
	// Parse parses the original JSON record for the given version
	Parse(dataVersion, id string, data json.RawMessage) (interface{}, error)
	// Upgrade upgrades 'data' from 'dataVersion'. May be run multiple times to incrementally upgrade the data.
	Upgrade(dataVersion, id string, data interface{}) (newVersion string, newData interface{}, err error)
}

// DB creates buckets that can read or write JSON data
type DB interface {
	io.Closer
	// Bucket returns a bucket with 'name.json' on disk, auto-upgraded to 'version'
	Bucket(name, version string, upgrader Upgrader) (Bucket, error)
}

type database struct {
	path    string
	mu      sync.Mutex
	buckets map[string]*bucket
	repo    *syncRepo
}

// Open creates the data directory at path if needed and returns its DB
func Open(path string, opts ...DBOpt) (DB, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, errors.Wrapf(err, "Failed to create data directory %q", path)
	}
	db := &database{
		path:    path,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		if err := opt.do(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (db *database) Bucket(name, version string, upgrader Upgrader) (Bucket, error) {
	saver := saveBucket
	if db.repo != nil {
		saver = db.repo.SaveBucket
	}
	return db.bucket(name, version, upgrader, ioutil.ReadFile, saver)
}

func (db *database) bucket(
	name, version string,
	upgrader Upgrader,
	readFile func(string) ([]byte, error),
	saver func(*bucket) error,
) (Bucket, error) {
	if upgrader == nil {
		return nil, errors.New("Upgrader must not be nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if b, exists := db.buckets[name]; exists {
		return b, nil
	}

	path := filepath.Join(db.path, name+".json")
	dataBytes, err := readFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dataBytes = []byte(`{}`)
	}

	var bucketBytes unmarshalBucket
	if err := json.Unmarshal(dataBytes, &bucketBytes); err != nil {
		return nil, errors.Wrapf(err, "Bucket %s is corrupt", name)
	}
	if bucketBytes.Version == "" {
		// new buckets start at the current version
		bucketBytes.Version = version
	}

	data := make(map[string]interface{}, len(bucketBytes.Data))
	for id, raw := range bucketBytes.Data {
		var err error
		data[id], err = upgrader.Parse(bucketBytes.Version, id, raw)
		if err != nil {
			return nil, errors.Wrapf(err, "Bucket %s: record %q", name, id)
		}
	}

	if bucketBytes.Version != version {
		for id := range data {
			if err := upgradeRecord(name, id, bucketBytes.Version, version, upgrader, data); err != nil {
				return nil, err
			}
		}
	}

	b := &bucket{
		name:    name,
		path:    path,
		saveFn:  saver,
		version: version,
		data:    data,
	}
	db.buckets[name] = b
	return b, nil
}

func upgradeRecord(name, id, fromVersion, toVersion string, upgrader Upgrader, data map[string]interface{}) error {
	currentVersion := fromVersion
	for attempts := 0; currentVersion != toVersion; attempts++ {
		if attempts > MaxUpgradeAttempts {
			return errors.Errorf("Too many upgrade attempts to version: %q. Possibly a version upgrade loop? Current version: %q", toVersion, currentVersion)
		}
		newVersion, newValue, err := upgrader.Upgrade(currentVersion, id, data[id])
		if err != nil {
			return err
		}
		if newVersion == currentVersion {
			return errors.Errorf("Could not upgrade %q data from %q to %q: %+v", name, currentVersion, toVersion, data[id])
		}
		currentVersion = newVersion
		data[id] = newValue
	}
	return nil
}

// Close locks all buckets to prepare for a safe shutdown. Use after Close is not defined
func (db *database) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, b := range db.buckets {
		b.mu.Lock()
	}
	return nil
}

// MockDB is a DB with additional mocking utilities
type MockDB interface {
	DB
	Dump(Bucket) string
}

type mockDatabase struct {
	database
	MockConfig
}

// MockConfig contains stubs for a MockDB
type MockConfig struct {
	FileReader func(path string) ([]byte, error)
	Saver      func(Bucket) error
}

// NewMockDB creates a DB without a backing file store, to be used in tests
func NewMockDB(conf MockConfig) MockDB {
	if conf.FileReader == nil {
		conf.FileReader = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	}
	if conf.Saver == nil {
		conf.Saver = func(Bucket) error { return nil }
	}
	return &mockDatabase{
		database: database{
			path:    "mock",
			buckets: map[string]*bucket{},
		},
		MockConfig: conf,
	}
}

func (db *mockDatabase) Bucket(name, version string, upgrader Upgrader) (Bucket, error) {
	return db.bucket(name, version, upgrader, db.FileReader, func(b *bucket) error { return db.Saver(b) })
}

func (db *mockDatabase) Dump(b Bucket) string {
	bucketStruct, ok := b.(*bucket)
	if !ok {
		panic(fmt.Sprintf("Invalid bucket struct for MockDB.Dump: %T", b))
	}
	if filepath.Dir(bucketStruct.path) != db.path {
		panic("Invalid bucket for MockDB.Dump: Bucket was not created by MockDB")
	}
	var buf bytes.Buffer
	if err := bucketStruct.encode(&buf); err != nil {
		panic(err)
	}
	return buf.String()
}

// JSONUpgrader returns an Upgrader for buckets with a single version, parsing every record into a T via 'parse'
func JSONUpgrader(parse func(data json.RawMessage) (interface{}, error)) Upgrader {
	return jsonUpgrader{parse: parse}
}

type jsonUpgrader struct {
	parse func(data json.RawMessage) (interface{}, error)
}

func (j jsonUpgrader) Parse(dataVersion, id string, data json.RawMessage) (interface{}, error) {
	return j.parse(data)
}

func (j jsonUpgrader) Upgrade(dataVersion, id string, data interface{}) (string, interface{}, error) {
	return dataVersion, data, errors.Errorf("No upgrade available from version %q", dataVersion)
}
