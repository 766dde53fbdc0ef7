// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/util"
)

// Backend names accepted by Open.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Store persists threads. Implementations are safe for concurrent use.
type Store interface {
	CreateThread(title string) (*model.ThreadInfo, error)
	ListThreads() ([]model.ThreadInfo, error)
	GetThread(id string) (*model.ThreadInfo, error)
	RenameThread(id, title string) error
	DeleteThread(id string) error

	GetHistory(id string) ([]model.Message, error)
	SaveHistory(id string, messages []model.Message) error

	GetSessionState(id string) (json.RawMessage, error)
	UpdateSessionState(id string, state json.RawMessage) error

	Close() error
}

// Open returns the store for the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendBolt:
		return NewBoltStore(dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrThreadNotFound is returned when a write targets a thread that does not exist.
// Use errors.Is(err, ErrThreadNotFound) to check for this error.
var ErrThreadNotFound = errors.New("thread not found")

// StorageError reports a failure of the persistence medium.
type StorageError struct {
	Op       string
	ThreadID string
	Err      error
}

func (e *StorageError) Error() string {
	if e.ThreadID != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.ThreadID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, ThreadID: id, Err: err}
}

// =============================================================================
// HELPERS
// =============================================================================

// validID reports whether id is a well-formed thread id. Anything else is
// treated as an unknown thread, which also keeps ids out of path traversal.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && !strings.ContainsAny(id, `/\{}:`)
}

func newThread(title string) model.ThreadInfo {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultThreadTitle
	}
	now := time.Now().UTC()
	return model.ThreadInfo{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func sortThreads(threads []model.ThreadInfo) {
	sort.SliceStable(threads, func(i, j int) bool {
		if !threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		}
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
}

// nextUpdate returns a timestamp strictly after prev so ordering by
// updated_at stays stable under coarse clocks.
func nextUpdate(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// =============================================================================
// THREAD LIST FORMATTING
// =============================================================================

// FormatThreadList formats threads as a table for terminal output.
func FormatThreadList(threads []model.ThreadInfo) string {
	if len(threads) == 0 {
		return "No threads found."
	}

	var sb strings.Builder
	sb.WriteString(util.FitWidth("ID", 36) + "  " + util.FitWidth("Updated", 16) + "  Title\n")
	sb.WriteString(strings.Repeat("-", 36+2+16+2+30) + "\n")
	for _, t := range threads {
		sb.WriteString(t.ID + "  " +
			util.FitWidth(t.UpdatedAt.Local().Format("2006-01-02 15:04"), 16) + "  " +
			strings.TrimRight(util.FitWidth(t.Title, 40), " ") + "\n")
	}
	return sb.String()
}
