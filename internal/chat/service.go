// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jeranaias/proxychat/internal/gateway"
	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/session"
	"github.com/jeranaias/proxychat/internal/storage"
	"github.com/jeranaias/proxychat/internal/util"
)

// MaxTitleRunes bounds automatic titles taken from the first message.
const MaxTitleRunes = 50

var (
	// ErrEmptyMessage is returned when the input is empty after sanitising.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNothingToRetry is returned by Retry when the thread does not end
	// with a user message.
	ErrNothingToRetry = errors.New("nothing to retry: last message is not from the user")

	// ErrEmptyTitle is returned by Rename for a blank title.
	ErrEmptyTitle = errors.New("title is empty")
)

// Sender sends a history to the backend. *gateway.Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, history []model.Message, threadID string) (*gateway.Response, error)
}

// Service runs conversations. Sends to the same thread are serialised.
type Service struct {
	store    storage.Store
	sessions *session.Cache
	logger   *logging.Logger

	mu     sync.RWMutex
	sender Sender

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a service. sessions should be the cache the sender
// uses, so deleting a thread also forgets its session.
func NewService(store storage.Store, sender Sender, sessions *session.Cache, logger *logging.Logger) *Service {
	return &Service{
		store:    store,
		sender:   sender,
		sessions: sessions,
		logger:   logging.OrNop(logger).Named("chat"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetSender swaps the sender, e.g. after the config file changed.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) currentSender() Sender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sender
}

func (s *Service) threadLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// =============================================================================
// THREADS
// =============================================================================

// NewThread creates a thread. A blank title becomes the default title.
func (s *Service) NewThread(title string) (*model.ThreadInfo, error) {
	title = strings.TrimSpace(util.SanitizeInput(title))
	if title == "" {
		title = model.DefaultThreadTitle
	}
	info, err := s.store.CreateThread(title)
	if err != nil {
		return nil, err
	}
	s.logger.Info("chat.thread_created", "thread_id", info.ID)
	return info, nil
}

// Threads lists threads, most recently updated first. On a storage failure
// it returns an empty list together with the error, so callers can tell a
// broken store from an empty one.
func (s *Service) Threads() ([]model.ThreadInfo, error) {
	threads, err := s.store.ListThreads()
	if err != nil {
		s.logger.Error("thread listing failed", "error", err)
		return []model.ThreadInfo{}, err
	}
	return threads, nil
}

// Thread returns one thread's metadata.
func (s *Service) Thread(id string) (*model.ThreadInfo, error) {
	return s.store.GetThread(id)
}

// History returns a thread's messages.
func (s *Service) History(id string) ([]model.Message, error) {
	return s.store.GetHistory(id)
}

// Rename changes a thread's title.
func (s *Service) Rename(id, title string) error {
	title = strings.TrimSpace(util.SanitizeInput(title))
	if title == "" {
		return ErrEmptyTitle
	}
	return s.store.RenameThread(id, title)
}

// DeleteThread removes a thread and forgets its cached session.
func (s *Service) DeleteThread(id string) error {
	if err := s.store.DeleteThread(id); err != nil {
		return err
	}
	if s.sessions != nil {
		s.sessions.Forget(id)
	}
	s.logger.Info("chat.thread_deleted", "thread_id", id)
	return nil
}

// =============================================================================
// SEND / RETRY
// =============================================================================

// Send appends text as a user message, sends the whole history and appends
// the reply. The user message is saved before sending and stays in the
// history when the send fails.
func (s *Service) Send(ctx context.Context, threadID, text string) (model.Message, error) {
	text = util.SanitizeInput(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}

	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	info, err := s.store.GetThread(threadID)
	if err != nil {
		return model.Message{}, err
	}
	history, err := s.store.GetHistory(threadID)
	if err != nil {
		return model.Message{}, err
	}

	_, hadUserMessage := model.LastUserMessage(history)
	history = append(history, model.NewUserMessage(text))
	if err := s.store.SaveHistory(threadID, history); err != nil {
		return model.Message{}, err
	}

	if info.Title == model.DefaultThreadTitle && !hadUserMessage {
		title := util.TruncateRunes(strings.ReplaceAll(text, "\n", " "), MaxTitleRunes)
		if err := s.store.RenameThread(threadID, title); err != nil {
			s.logger.Warn("chat.autotitle_failed", "thread_id", threadID, "error", err)
		}
	}

	return s.exchange(ctx, threadID, history)
}

// Retry re-sends a thread whose last message is from the user, typically
// after a failed Send.
func (s *Service) Retry(ctx context.Context, threadID string) (model.Message, error) {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.GetThread(threadID); err != nil {
		return model.Message{}, err
	}
	history, err := s.store.GetHistory(threadID)
	if err != nil {
		return model.Message{}, err
	}
	if len(history) == 0 || history[len(history)-1].Role != model.RoleUser {
		return model.Message{}, ErrNothingToRetry
	}
	s.logger.Info("chat.retry", "thread_id", threadID, "messages", len(history))
	return s.exchange(ctx, threadID, history)
}

func (s *Service) exchange(ctx context.Context, threadID string, history []model.Message) (model.Message, error) {
	sender := s.currentSender()
	if sender == nil {
		return model.Message{}, errors.New("no chat client configured")
	}

	resp, err := sender.SendMessage(ctx, history, threadID)
	if err != nil {
		s.logger.Warn("chat.send_failed", "thread_id", threadID, "kind", gateway.KindOf(err), "error", err)
		return model.Message{}, err
	}

	history = append(history, resp.Message)
	if err := s.store.SaveHistory(threadID, history); err != nil {
		return resp.Message, fmt.Errorf("reply received but not saved: %w", err)
	}
	return resp.Message, nil
}
