package syncclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Session holds the bearer token of the logged-in account. The zero value is
// an anonymous session.
type Session struct {
	mu     sync.RWMutex
	token  string
	userID int64
}

func (s *Session) Set(token string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.userID = userID
}

func (s *Session) Clear() {
	s.Set("", 0)
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

type sessionFile struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// Save writes the session to path with owner-only permissions. An anonymous
// session removes the file.
func (s *Session) Save(path string) error {
	s.mu.RLock()
	data := sessionFile{Token: s.token, UserID: s.userID}
	s.mu.RUnlock()

	if data.Token == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session file: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Load restores a session saved by Save. A missing file leaves it anonymous.
func (s *Session) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.Clear()
			return nil
		}
		return fmt.Errorf("read session file: %w", err)
	}
	var data sessionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse session file: %w", err)
	}
	s.Set(data.Token, data.UserID)
	return nil
}
