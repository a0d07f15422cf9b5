package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTags   = []byte("tags")
	bucketGroups = []byte("groups")
)

// ErrInvalidName is returned for an empty group name or device id.
var ErrInvalidName = errors.New("invalid name")

var _ Store = (*BoltStore)(nil)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTags, bucketGroups} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Tags(deviceID string) ([]string, error) {
	tags := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTags)
		}
		data := b.Get([]byte(deviceID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &tags)
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *BoltStore) SetTags(deviceID string, tags []string) ([]string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("device id: %w", ErrInvalidName)
	}
	tags = NormalizeTags(tags)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTags)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTags)
		}
		if len(tags) == 0 {
			return b.Delete([]byte(deviceID))
		}
		data, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		return b.Put([]byte(deviceID), data)
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *BoltStore) Groups() ([]*Group, error) {
	var groups []*Group
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b == nil {
			return nil // no bucket = no groups
		}
		groups = make([]*Group, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var g Group
			if err := json.Unmarshal(v, &g); err != nil {
				return fmt.Errorf("group %s: %w", k, err)
			}
			groups = append(groups, &g)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) Group(name string) (*Group, error) {
	var g Group
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGroups)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("group %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) SetGroup(name string, deviceIDs []string) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("group name: %w", ErrInvalidName)
	}
	g := &Group{
		Name:      name,
		DeviceIDs: normalizeIDs(deviceIDs),
		UpdatedAt: s.now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGroups)
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *BoltStore) DeleteGroup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGroups)
		}
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("group %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
