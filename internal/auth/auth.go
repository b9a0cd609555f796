package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const credentialsFilename = "credentials.json"

// Store is the persisted credential storage read before every request and
// cleared when the backend rejects the session.
type Store interface {
	// Token returns the stored token, or ErrNoCredentials.
	Token() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
	Clear() error
}

// credentialsFile is the on-disk JSON format.
type credentialsFile struct {
	Token    *oauth2.Token `json:"token"`
	Username string        `json:"username,omitempty"`
	SavedAt  string        `json:"saved_at"`
}

// HomeDir returns the credential storage directory path.
func HomeDir() string {
	if d := os.Getenv("TRAFFICDESK_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".trafficdesk")
}

// FileStore keeps the token in credentials.json with 0600 permissions.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	user string
}

// NewFileStore creates a store rooted at dir. An empty dir means HomeDir().
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = HomeDir()
	}
	return &FileStore{dir: dir}
}

// Path returns the credentials file location.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, credentialsFilename)
}

// Token reads the stored token. Expired tokens are still returned; the
// backend decides whether to accept them.
func (s *FileStore) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.read()
	if err != nil {
		return nil, err
	}
	return cf.Token, nil
}

// Username returns the account name recorded at login, if any.
func (s *FileStore) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.read()
	if err != nil {
		return ""
	}
	return cf.Username
}

// SetUsername records the account name written alongside the next Save.
func (s *FileStore) SetUsername(name string) {
	s.mu.Lock()
	s.user = name
	s.mu.Unlock()
}

// Save persists tok, creating the storage directory if needed.
func (s *FileStore) Save(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("refusing to store empty token: %w", ErrNoCredentials)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("unable to create credential directory %s: %w", s.dir, err)
	}
	data, err := json.MarshalIndent(credentialsFile{
		Token:    tok,
		Username: s.user,
		SavedAt:  time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path(), data, 0o600)
}

// Clear removes the stored credentials. Clearing an empty store is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to remove credentials: %w", err)
	}
	return nil
}

func (s *FileStore) read() (*credentialsFile, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, ErrNoCredentials
	}
	var cf credentialsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, ErrNoCredentials
	}
	if cf.Token == nil || cf.Token.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &cf, nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu  sync.RWMutex
	tok *oauth2.Token
}

// NewMemoryStore returns a store holding tok, which may be nil.
func NewMemoryStore(tok *oauth2.Token) *MemoryStore {
	return &MemoryStore{tok: tok}
}

func (m *MemoryStore) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tok == nil || m.tok.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	tok := *m.tok
	return &tok, nil
}

func (m *MemoryStore) Save(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("refusing to store empty token: %w", ErrNoCredentials)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tok = &cp
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}
