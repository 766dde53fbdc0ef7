// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jeranaias/proxychat/internal/model"
)

const boltFileName = "threads.db"

var (
	threadsBucket   = []byte("threads")
	historiesBucket = []byte("histories")
)

// BoltStore keeps the catalog and the histories in separate buckets of one
// bbolt database. Each operation is a single transaction.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) dir/threads.db.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, storageErr("open", "", err)
	}
	path := filepath.Join(dir, boltFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, storageErr("open", "", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{threadsBucket, historiesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storageErr("open", "", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) CreateThread(title string) (*model.ThreadInfo, error) {
	info := newThread(title)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(historiesBucket), info.ID, []model.Message{}); err != nil {
			return err
		}
		return putJSON(tx.Bucket(threadsBucket), info.ID, info)
	})
	if err != nil {
		return nil, storageErr("create", info.ID, err)
	}
	return &info, nil
}

func (s *BoltStore) ListThreads() ([]model.ThreadInfo, error) {
	threads := []model.ThreadInfo{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).ForEach(func(k, v []byte) error {
			var info model.ThreadInfo
			if e := json.Unmarshal(v, &info); e != nil {
				// Skip malformed entries instead of failing the whole listing
				return nil
			}
			threads = append(threads, info)
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list", "", err)
	}
	sortThreads(threads)
	return threads, nil
}

func (s *BoltStore) GetThread(id string) (*model.ThreadInfo, error) {
	if !validID(id) {
		return nil, ErrThreadNotFound
	}
	var info model.ThreadInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return getThread(tx, id, &info)
	})
	if err != nil {
		return nil, s.wrap("get", id, err)
	}
	return &info, nil
}

func (s *BoltStore) RenameThread(id, title string) error {
	if !validID(id) {
		return ErrThreadNotFound
	}
	return s.modifyThread("rename", id, func(t *model.ThreadInfo) {
		t.Title = title
	})
}

func (s *BoltStore) DeleteThread(id string) error {
	if !validID(id) {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(threadsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(historiesBucket).Delete([]byte(id))
	})
	return storageErr("delete", id, err)
}

func (s *BoltStore) GetHistory(id string) ([]model.Message, error) {
	messages := []model.Message{}
	if !validID(id) {
		return messages, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(historiesBucket).Get([]byte(id))
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, &messages)
	})
	if err != nil {
		return nil, storageErr("read history", id, err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

func (s *BoltStore) SaveHistory(id string, messages []model.Message) error {
	if !validID(id) {
		return ErrThreadNotFound
	}
	if messages == nil {
		messages = []model.Message{}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		var info model.ThreadInfo
		if err := getThread(tx, id, &info); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(historiesBucket), id, messages); err != nil {
			return err
		}
		info.UpdatedAt = nextUpdate(info.UpdatedAt)
		return putJSON(tx.Bucket(threadsBucket), id, info)
	})
	return s.wrap("save history", id, err)
}

func (s *BoltStore) GetSessionState(id string) (json.RawMessage, error) {
	info, err := s.GetThread(id)
	if errors.Is(err, ErrThreadNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.NormalizeState(info.SessionState), nil
}

func (s *BoltStore) UpdateSessionState(id string, state json.RawMessage) error {
	if !validID(id) {
		return ErrThreadNotFound
	}
	normalized := model.NormalizeState(state)
	return s.modifyThread("update session", id, func(t *model.ThreadInfo) {
		t.SessionState = normalized
	})
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) modifyThread(op, id string, fn func(*model.ThreadInfo)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		var info model.ThreadInfo
		if err := getThread(tx, id, &info); err != nil {
			return err
		}
		fn(&info)
		return putJSON(tx.Bucket(threadsBucket), id, info)
	})
	return s.wrap(op, id, err)
}

func (s *BoltStore) wrap(op, id string, err error) error {
	if errors.Is(err, ErrThreadNotFound) {
		return ErrThreadNotFound
	}
	return storageErr(op, id, err)
}

func getThread(tx *bolt.Tx, id string, info *model.ThreadInfo) error {
	v := tx.Bucket(threadsBucket).Get([]byte(id))
	if v == nil {
		return ErrThreadNotFound
	}
	return json.Unmarshal(v, info)
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
