package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(name string) (*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. A missing device is created from a zero value with Name set.
	UpdateDevice(name string, fn func(dev *Device) error) error

	// History operations
	AppendHistory(entry *HistoryEntry) error
	// ListHistory returns up to limit entries, newest first.
	ListHistory(limit int) ([]*HistoryEntry, error)
	// PruneHistory deletes all but the newest keep entries and returns how many were removed.
	PruneHistory(keep int) (int, error)

	// Close the store
	Close() error
}
