// Package factory maintains the registration of storage driver
// implementations by name, letting configuration select a backend without
// linking the registry against every driver.
package factory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	storagedriver "github.com/quayd/quayd/registry/storage/driver"
)

// driverFactories stores an internal mapping between storage driver names and their respective
// factories
var driverFactories = make(map[string]StorageDriverFactory)

// StorageDriverFactory is a factory interface for creating storagedriver.StorageDriver interfaces
// Storage drivers should call Register() with a factory to make the driver available by name.
type StorageDriverFactory interface {
	// Create returns a new storagedriver.StorageDriver with the given parameters
	// Parameters will vary by driver and may be ignored
	// Each parameter key must only consist of lowercase letters and numbers
	Create(ctx context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error)
}

// Register makes a storage driver available by the provided name.
// If Register is called twice with the same name or if driver factory is nil, it panics.
func Register(name string, factory StorageDriverFactory) {
	if factory == nil {
		panic("Must not provide nil StorageDriverFactory")
	}
	_, registered := driverFactories[name]
	if registered {
		panic(fmt.Sprintf("StorageDriverFactory named %s already registered", name))
	}

	driverFactories[name] = factory
}

// Create a new storagedriver.StorageDriver with the given name and
// parameters. To use a driver, the StorageDriverFactory must first be
// registered with the given name. If no drivers are found, an
// InvalidStorageDriverError is returned.
func Create(ctx context.Context, name string, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	driverFactory, ok := driverFactories[name]
	if !ok {
		return nil, InvalidStorageDriverError{name}
	}
	d, err := driverFactory.Create(ctx, parameters)
	if err != nil {
		return nil, err
	}
	if err := verify(ctx, d); err != nil {
		return nil, fmt.Errorf("unable to verify read, write and delete permissions on storage type %q: %w", name, err)
	}
	return d, nil
}

// verify confirms that the configured storage driver has the permissions the
// registry needs to function: write, stat, read and delete a file.
func verify(ctx context.Context, driver storagedriver.StorageDriver) error {
	probe := "/" + uuid.NewString()

	if err := driver.PutContent(ctx, probe, []byte{}); err != nil {
		return fmt.Errorf("unable to write verification file: %w", err)
	}
	if _, err := driver.Stat(ctx, probe); err != nil {
		return fmt.Errorf("unable to stat verification file: %w", err)
	}
	if _, err := driver.GetContent(ctx, probe); err != nil {
		return fmt.Errorf("unable to read verification file: %w", err)
	}
	if err := driver.Delete(ctx, probe); err != nil {
		return fmt.Errorf("unable to delete verification file: %w", err)
	}
	return nil
}

// InvalidStorageDriverError records an attempt to construct an unregistered storage driver.
type InvalidStorageDriverError struct {
	Name string
}

func (err InvalidStorageDriverError) Error() string {
	return fmt.Sprintf("StorageDriver not registered: %s", err.Name)
}
