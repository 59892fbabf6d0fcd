package main

import (
	"fmt"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/example/record-collab/pkg/replica"
)

// replicaCreator is the slice of the replica store the directory needs.
type replicaCreator interface {
	Create(initial replica.Fields) (string, error)
}

// directoryBacking persists the record→replica table so known records
// survive a restart. The in-memory table stays authoritative either way.
type directoryBacking interface {
	load() (map[string]string, error)
	put(recordID, replicaID string) error
	close() error
}

// Directory maps stable record ids to replica ids, creating the replica on
// first access. Exactly one replica ever exists per record: resolution is a
// mutex-serialized read-modify-write, so concurrent first requests for the
// same record produce a single create.
type Directory struct {
	mu      sync.Mutex
	table   map[string]string
	creator replicaCreator
	backing directoryBacking
}

func newDirectory(creator replicaCreator, backing directoryBacking) (*Directory, error) {
	d := &Directory{
		table:   make(map[string]string),
		creator: creator,
		backing: backing,
	}
	if backing != nil {
		table, err := backing.load()
		if err != nil {
			return nil, fmt.Errorf("directory: load backing: %w", err)
		}
		d.table = table
		slog.Info("Directory hydrated from backing", "records", len(table))
	}
	return d, nil
}

// defaultFields derives the initial document content for a record that has
// never been edited.
func defaultFields(recordID string) replica.Fields {
	return replica.Fields{
		Name:    "User " + recordID,
		Address: "address" + recordID,
		Memo:    "memo" + recordID,
	}
}

// Resolve returns the replica id for a record, creating the document with
// default fields on first access; created reports whether this call minted
// it. A failed create records nothing; the caller retries later.
func (d *Directory) Resolve(recordID string) (replicaID string, created bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if replicaID, ok := d.table[recordID]; ok {
		return replicaID, false, nil
	}

	replicaID, err = d.creator.Create(defaultFields(recordID))
	if err != nil {
		return "", false, fmt.Errorf("directory: create replica for record %s: %w", recordID, err)
	}
	d.table[recordID] = replicaID

	if d.backing != nil {
		if err := d.backing.put(recordID, replicaID); err != nil {
			slog.Warn("Failed to persist directory entry", "record", recordID, "error", err)
		}
	}

	slog.Info("Created document for record", "record", recordID, "replica", replicaID)
	return replicaID, true, nil
}

// size reports the number of known records, for the directory gauge.
func (d *Directory) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.table)
}

var directoryBucket = []byte("directory")

// boltDirectory is the bbolt-backed directoryBacking.
type boltDirectory struct {
	db *bolt.DB
}

func openBoltDirectory(path string) (*boltDirectory, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(directoryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: init bolt db: %w", err)
	}
	return &boltDirectory{db: db}, nil
}

func (b *boltDirectory) load() (map[string]string, error) {
	table := make(map[string]string)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(directoryBucket).ForEach(func(k, v []byte) error {
			table[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

func (b *boltDirectory) put(recordID, replicaID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(directoryBucket).Put([]byte(recordID), []byte(replicaID))
	})
}

func (b *boltDirectory) close() error {
	return b.db.Close()
}
