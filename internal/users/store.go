// Package users manages provisioned subscriber accounts, persisted as a
// JSON document. Registration state lives in the registrar; this store only
// answers who exists and whether they may authenticate.
package users

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Account statuses.
const (
	StatusActive    = "ACTIVE"
	StatusInactive  = "INACTIVE"
	StatusSuspended = "SUSPENDED"
)

// User is one provisioned account.
type User struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Status      string `json:"status"`
	ServiceType string `json:"service_type"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Store reads and writes the users.json document. The file is re-read
// whenever its mtime advances, so external edits take effect without a
// restart.
type Store struct {
	mu    sync.Mutex
	file  string
	users map[string]*User
	mtime time.Time
}

// NewStore loads the user document at path, seeding default test accounts
// when the file does not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{file: path, users: make(map[string]*User)}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating user store directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.seedDefaults()
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		slog.Info("user store created with default accounts", "file", path, "count", len(s.users))
		return s, nil
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	slog.Info("user store loaded", "file", path, "count", len(s.users))
	return s, nil
}

func (s *Store) seedDefaults() {
	now := time.Now().Format(time.RFC3339)
	for _, u := range []*User{
		{Username: "1001", Password: "1001", DisplayName: "user 1001", Status: StatusActive, ServiceType: "BASIC"},
		{Username: "1002", Password: "1002", DisplayName: "user 1002", Status: StatusActive, ServiceType: "PREMIUM"},
	} {
		u.CreatedAt = now
		u.UpdatedAt = now
		s.users[u.Username] = u
	}
}

// reloadLocked re-reads the document when the file mtime advanced.
// Caller holds s.mu (or is the constructor).
func (s *Store) reloadLocked() error {
	info, err := os.Stat(s.file)
	if err != nil {
		return err
	}
	if !info.ModTime().After(s.mtime) {
		return nil
	}
	data, err := os.ReadFile(s.file)
	if err != nil {
		return err
	}
	users := make(map[string]*User)
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("parsing %s: %w", s.file, err)
	}
	s.users = users
	s.mtime = info.ModTime()
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.file, data, 0o644); err != nil {
		return fmt.Errorf("saving %s: %w", s.file, err)
	}
	if info, err := os.Stat(s.file); err == nil {
		s.mtime = info.ModTime()
	}
	return nil
}

// Get returns a copy of the named account.
func (s *Store) Get(username string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		slog.Warn("user store reload failed", "error", err)
	}
	u, ok := s.users[username]
	if !ok {
		return nil, false
	}
	c := *u
	return &c, true
}

// Password returns the password for an ACTIVE account. Inactive and
// suspended accounts do not participate in digest verification.
func (s *Store) Password(username string) (string, bool) {
	u, ok := s.Get(username)
	if !ok || u.Status != StatusActive {
		return "", false
	}
	return u.Password, true
}

// All returns a copy of every account, reloading the file first when its
// mtime changed.
func (s *Store) All() map[string]*User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		slog.Warn("user store reload failed", "error", err)
	}
	out := make(map[string]*User, len(s.users))
	for k, v := range s.users {
		c := *v
		out[k] = &c
	}
	return out
}

// Add provisions a new account.
func (s *Store) Add(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Username]; exists {
		return fmt.Errorf("user %s already exists", u.Username)
	}
	now := time.Now().Format(time.RFC3339)
	if u.Status == "" {
		u.Status = StatusActive
	}
	if u.ServiceType == "" {
		u.ServiceType = "BASIC"
	}
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.Username] = &u
	return s.saveLocked()
}

// Update merges non-empty fields into an existing account.
func (s *Store) Update(username string, changes User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("user %s not found", username)
	}
	if changes.Password != "" {
		u.Password = changes.Password
	}
	if changes.DisplayName != "" {
		u.DisplayName = changes.DisplayName
	}
	if changes.Phone != "" {
		u.Phone = changes.Phone
	}
	if changes.Email != "" {
		u.Email = changes.Email
	}
	if changes.Status != "" {
		u.Status = changes.Status
	}
	if changes.ServiceType != "" {
		u.ServiceType = changes.ServiceType
	}
	u.UpdatedAt = time.Now().Format(time.RFC3339)
	return s.saveLocked()
}

// Delete removes an account.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("user %s not found", username)
	}
	delete(s.users, username)
	return s.saveLocked()
}
