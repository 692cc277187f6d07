// Package inmemory provides a volatile storagedriver.StorageDriver
// implementation, primarily useful for tests and local development.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/quayd/quayd/registry/storage/driver"
	"github.com/quayd/quayd/registry/storage/driver/base"
	"github.com/quayd/quayd/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory inMemoryDriverFactory) Create(_ context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type entry struct {
	data    []byte
	modTime time.Time
}

type driver struct {
	mu    sync.RWMutex
	files map[string]*entry
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by a simple
// in-memory map. Intended solely for example and testing purposes.
type Driver struct {
	baseEmbed
}

// New constructs a new Driver.
func New() *Driver {
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{files: map[string]*entry{}},
			},
		},
	}
}

// Implement the storagedriver.StorageDriver interface.

func (d *driver) Name() string {
	return driverName
}

func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	buf := make([]byte, len(e.data))
	copy(buf, e.data)
	return buf, nil
}

func (d *driver) PutContent(ctx context.Context, p string, contents []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, len(contents))
	copy(buf, contents)
	d.files[p] = &entry{data: buf, modTime: time.Now()}
	return nil
}

func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	if offset > int64(len(e.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset}
	}
	return io.NopCloser(bytes.NewReader(e.data[offset:])), nil
}

func (d *driver) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf []byte
	if append {
		if e, ok := d.files[path]; ok {
			buf = make([]byte, len(e.data))
			copy(buf, e.data)
		}
	}

	return &writer{d: d, path: path, buf: buf}, nil
}

func (d *driver) Stat(ctx context.Context, p string) (storagedriver.FileInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if e, ok := d.files[p]; ok {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    p,
			Size:    int64(len(e.data)),
			ModTime: e.modTime,
		}}, nil
	}

	// A key prefix acts as a directory.
	prefix := dirPrefix(p)
	for name := range d.files {
		if strings.HasPrefix(name, prefix) {
			return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
				Path:  p,
				IsDir: true,
			}}, nil
		}
	}

	return nil, storagedriver.PathNotFoundError{Path: p}
}

func (d *driver) List(ctx context.Context, p string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prefix := dirPrefix(p)
	children := map[string]struct{}{}
	for name := range d.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		children[path.Join(p, rest)] = struct{}{}
	}

	if len(children) == 0 {
		if _, ok := d.files[p]; !ok && p != "/" {
			return nil, storagedriver.PathNotFoundError{Path: p}
		}
	}

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.files[sourcePath]
	if !ok {
		return storagedriver.PathNotFoundError{Path: sourcePath}
	}
	delete(d.files, sourcePath)
	d.files[destPath] = e
	return nil
}

func (d *driver) Delete(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.files[p]; ok {
		delete(d.files, p)
		return nil
	}

	prefix := dirPrefix(p)
	found := false
	for name := range d.files {
		if strings.HasPrefix(name, prefix) {
			delete(d.files, name)
			found = true
		}
	}
	if !found {
		return storagedriver.PathNotFoundError{Path: p}
	}
	return nil
}

func (d *driver) RedirectURL(ctx context.Context, method string, path string) (string, error) {
	return "", nil
}

func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, path, f)
}

func dirPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return strings.TrimSuffix(p, "/") + "/"
}

type writer struct {
	d         *driver
	path      string
	buf       []byte
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *writer) Size() int64 {
	return int64(len(w.buf))
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.cancelled = true
	w.buf = nil
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	w.committed = true

	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.files[w.path] = &entry{data: w.buf, modTime: time.Now()}
	return nil
}
