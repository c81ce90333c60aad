package plaindb

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Bucket reads and writes records on a DB. Safe for concurrent use
type Bucket interface {
	// Iter iterates over all values in ID order, assigning each value to 'v', then calling fn with its ID
	Iter(v interface{}, fn func(id string) (keepGoing bool)) error
	// Get reads the record with key 'id' into 'v'
	Get(id string, v interface{}) (found bool, err error)
	// Put writes the record 'v' with key 'id'
	Put(id string, v interface{}) error
	// PutAll writes every record in 'values' and saves once
	PutAll(values map[string]interface{}) error
	// Delete removes the records with the given IDs, if they exist
	Delete(ids ...string) error
}

type bucket struct {
	name   string
	path   string
	mu     sync.RWMutex
	saveFn func(*bucket) error

	version string
	data    map[string]interface{}
}

type unmarshalBucket struct {
	Version string
	Data    map[string]json.RawMessage
}

type marshalBucket struct {
	Version string
	Data    map[string]interface{}
}

func (b *bucket) Iter(v interface{}, fn func(id string) (keepGoing bool)) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.data))
	for id := range b.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := assign(v, b.data[id]); err != nil {
			return b.wrapErr(err)
		}
		if !fn(id) {
			return nil
		}
	}
	return nil
}

func (b *bucket) Get(id string, v interface{}) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, found := b.data[id]
	if !found {
		return false, nil
	}
	return found, b.wrapErr(assign(v, value))
}

func (b *bucket) Put(id string, v interface{}) error {
	b.mu.Lock()
	b.data[id] = v
	b.mu.Unlock()
	return b.saveFn(b)
}

func (b *bucket) PutAll(values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	b.mu.Lock()
	for id, v := range values {
		b.data[id] = v
	}
	b.mu.Unlock()
	return b.saveFn(b)
}

func (b *bucket) Delete(ids ...string) error {
	b.mu.Lock()
	deleted := false
	for _, id := range ids {
		if _, ok := b.data[id]; ok {
			delete(b.data, id)
			deleted = true
		}
	}
	b.mu.Unlock()
	if !deleted {
		return nil
	}
	return b.saveFn(b)
}

func (b *bucket) wrapErr(err error) error {
	return errors.Wrap(err, "Bucket "+b.name)
}

func (b *bucket) encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)

	b.mu.RLock()
	defer b.mu.RUnlock()
	return enc.Encode(marshalBucket{
		Version: b.version,
		Data:    b.data,
	})
}

// saveBucket writes to a temp file, then renames it over the bucket's file
func saveBucket(b *bucket) (returnErr error) {
	dir := filepath.Dir(b.path)
	file, err := ioutil.TempFile(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return b.wrapErr(err)
	}
	defer func() {
		closeErr := file.Close()
		rmErr := os.Remove(file.Name()) // clean up tmp file, if it wasn't renamed
		if returnErr == nil {
			if rmErr != nil && !os.IsNotExist(rmErr) {
				returnErr = b.wrapErr(rmErr)
			}
			if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				returnErr = b.wrapErr(closeErr)
			}
		}
	}()

	if err := b.encode(file); err != nil {
		return b.wrapErr(err)
	}
	if err := file.Sync(); err != nil {
		return b.wrapErr(err)
	}
	return b.wrapErr(os.Rename(file.Name(), b.path))
}

// assign sets dest's pointer value to source
func assign(dest interface{}, source interface{}) (err error) {
	if dest == nil {
		return errors.New("dest must not be nil")
	}
	defer func() {
		// reflection can panic if not used perfectly. recover and wrap the error
		if v := recover(); v != nil && err == nil {
			err = errors.Errorf("Reflect error during assignment: %+v", v)
		}
	}()

	destValue := reflect.ValueOf(dest)
	if destValue.Kind() != reflect.Ptr {
		return errors.Errorf("dest is not a pointer: %T", dest)
	}
	// dereference pointer value and type for assignment
	destValue = destValue.Elem()
	if !destValue.CanSet() {
		return errors.Errorf("Cannot set value for %T: %+v", dest, dest)
	}
	sourceValue := reflect.ValueOf(source)
	if !sourceValue.Type().AssignableTo(destValue.Type()) {
		return errors.Errorf("Type %T is not assignable to %T", source, dest)
	}
	destValue.Set(sourceValue)
	return nil
}
