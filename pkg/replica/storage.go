package replica

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Storage persists document change logs. Implementations: BoltStorage
// (file-backed), or nil for memory-only stores.
type Storage interface {
	SaveChanges(doc string, changes []Change) error
	LoadAll() (map[string][]Change, error)
	Close() error
}

var changesBucket = []byte("changes")

// BoltStorage keeps one bbolt sub-bucket per document, one entry per
// change keyed by actor and sequence number. Replay order does not matter;
// the merge is order-independent.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the change-log database at path.
func OpenBolt(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("replica: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(changesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("replica: init bolt db: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (b *BoltStorage) SaveChanges(doc string, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(changesBucket)
		db, err := root.CreateBucketIfNotExists([]byte(doc))
		if err != nil {
			return err
		}
		for _, c := range changes {
			key := fmt.Sprintf("%s:%016d", c.Actor, c.Seq)
			val, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := db.Put([]byte(key), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStorage) LoadAll() (map[string][]Change, error) {
	logs := make(map[string][]Change)
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(changesBucket)
		return root.ForEachBucket(func(name []byte) error {
			doc := string(name)
			return root.Bucket(name).ForEach(func(_, val []byte) error {
				var c Change
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				logs[doc] = append(logs[doc], c)
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("replica: load change logs: %w", err)
	}
	return logs, nil
}

func (b *BoltStorage) Close() error {
	return b.db.Close()
}
