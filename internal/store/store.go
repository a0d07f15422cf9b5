package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists device tags and named device groups.
type Store interface {
	// Tags returns the tags of a device. A device without tags yields an
	// empty slice, not ErrNotFound.
	Tags(deviceID string) ([]string, error)
	// SetTags replaces the tags of a device. An empty list removes them.
	SetTags(deviceID string, tags []string) ([]string, error)

	Groups() ([]*Group, error)
	Group(name string) (*Group, error)
	SetGroup(name string, deviceIDs []string) (*Group, error)
	DeleteGroup(name string) error

	// Close the store
	Close() error
}
