// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/util"
)

const (
	indexFileName  = "threads.json"
	historyDirName = "histories"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps the thread catalog in one index file and each history in
// its own file named by thread id.
type FileStore struct {
	// BaseDir is the directory holding threads.json and histories/.
	// Default: ~/.proxychat/threads/
	BaseDir string

	indexMu sync.Mutex
	locks   keyedMutex
}

// NewFileStore creates a file store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, historyDirName), 0o700); err != nil {
		return nil, storageErr("open", "", err)
	}
	return &FileStore{BaseDir: baseDir}, nil
}

// CreateThread persists an empty history and a new catalog entry.
func (s *FileStore) CreateThread(title string) (*model.ThreadInfo, error) {
	info := newThread(title)

	unlock := s.locks.lock(info.ID)
	defer unlock()

	if err := s.writeHistory(info.ID, nil); err != nil {
		return nil, storageErr("create", info.ID, err)
	}
	err := s.updateIndex(func(threads []model.ThreadInfo) ([]model.ThreadInfo, error) {
		return append(threads, info), nil
	})
	if err != nil {
		os.Remove(s.historyPath(info.ID))
		return nil, storageErr("create", info.ID, err)
	}
	return &info, nil
}

// ListThreads returns every thread, most recently updated first.
func (s *FileStore) ListThreads() ([]model.ThreadInfo, error) {
	threads, err := s.readIndex()
	if err != nil {
		return nil, storageErr("list", "", err)
	}
	sortThreads(threads)
	return threads, nil
}

// GetThread returns the catalog entry for id.
func (s *FileStore) GetThread(id string) (*model.ThreadInfo, error) {
	if !validID(id) {
		return nil, ErrThreadNotFound
	}
	threads, err := s.readIndex()
	if err != nil {
		return nil, storageErr("get", id, err)
	}
	for i := range threads {
		if threads[i].ID == id {
			return &threads[i], nil
		}
	}
	return nil, ErrThreadNotFound
}

// RenameThread changes a thread's title.
func (s *FileStore) RenameThread(id, title string) error {
	if !validID(id) {
		return ErrThreadNotFound
	}
	return s.modifyThread("rename", id, func(t *model.ThreadInfo) {
		t.Title = title
	})
}

// DeleteThread removes the catalog entry and the history file. Deleting an
// unknown thread is not an error.
func (s *FileStore) DeleteThread(id string) error {
	if !validID(id) {
		return nil
	}
	unlock := s.locks.lock(id)
	defer unlock()

	// Catalog first so the thread disappears from listings before its history.
	err := s.updateIndex(func(threads []model.ThreadInfo) ([]model.ThreadInfo, error) {
		kept := threads[:0]
		for _, t := range threads {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		return kept, nil
	})
	if err != nil {
		return storageErr("delete", id, err)
	}
	if err := os.Remove(s.historyPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("delete", id, err)
	}
	return nil
}

// GetHistory returns the stored messages, or an empty slice for an unknown thread.
func (s *FileStore) GetHistory(id string) ([]model.Message, error) {
	if !validID(id) {
		return []model.Message{}, nil
	}
	data, ok, err := util.ReadFileIfExists(s.historyPath(id))
	if err != nil {
		return nil, storageErr("read history", id, err)
	}
	if !ok {
		return []model.Message{}, nil
	}
	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, storageErr("decode history", id, err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

// SaveHistory replaces the stored history and bumps updated_at.
func (s *FileStore) SaveHistory(id string, messages []model.Message) error {
	if !validID(id) {
		return ErrThreadNotFound
	}
	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.GetThread(id); err != nil {
		return err
	}
	if err := s.writeHistory(id, messages); err != nil {
		return storageErr("save history", id, err)
	}
	return s.modifyThread("save history", id, func(t *model.ThreadInfo) {
		t.UpdatedAt = nextUpdate(t.UpdatedAt)
	})
}

// GetSessionState returns the stored session token, or nil if there is none.
func (s *FileStore) GetSessionState(id string) (json.RawMessage, error) {
	info, err := s.GetThread(id)
	if errors.Is(err, ErrThreadNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.NormalizeState(info.SessionState), nil
}

// UpdateSessionState stores the session token for a thread.
func (s *FileStore) UpdateSessionState(id string, state json.RawMessage) error {
	if !validID(id) {
		return ErrThreadNotFound
	}
	normalized := model.NormalizeState(state)
	return s.modifyThread("update session", id, func(t *model.ThreadInfo) {
		t.SessionState = normalized
	})
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// =============================================================================
// FILE HELPERS
// =============================================================================

func (s *FileStore) indexPath() string {
	return filepath.Join(s.BaseDir, indexFileName)
}

func (s *FileStore) historyPath(id string) string {
	return filepath.Join(s.BaseDir, historyDirName, id+".json")
}

func (s *FileStore) writeHistory(id string, messages []model.Message) error {
	if messages == nil {
		messages = []model.Message{}
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(s.historyPath(id), data, 0o600)
}

func (s *FileStore) readIndex() ([]model.ThreadInfo, error) {
	data, ok, err := util.ReadFileIfExists(s.indexPath())
	if err != nil {
		return nil, err
	}
	threads := []model.ThreadInfo{}
	if !ok || len(data) == 0 {
		return threads, nil
	}
	if err := json.Unmarshal(data, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// updateIndex runs a read-modify-write of the index under the index lock.
func (s *FileStore) updateIndex(fn func([]model.ThreadInfo) ([]model.ThreadInfo, error)) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	threads, err := s.readIndex()
	if err != nil {
		return err
	}
	threads, err = fn(threads)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(threads, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(s.indexPath(), data, 0o600)
}

func (s *FileStore) modifyThread(op, id string, fn func(*model.ThreadInfo)) error {
	found := false
	err := s.updateIndex(func(threads []model.ThreadInfo) ([]model.ThreadInfo, error) {
		for i := range threads {
			if threads[i].ID == id {
				fn(&threads[i])
				found = true
				return threads, nil
			}
		}
		return nil, ErrThreadNotFound
	})
	if !found && errors.Is(err, ErrThreadNotFound) {
		return ErrThreadNotFound
	}
	return storageErr(op, id, err)
}

// =============================================================================
// PER-THREAD LOCKING
// =============================================================================

// keyedMutex serialises writers per thread id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
