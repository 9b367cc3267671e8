package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.bookmark-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	tokenKey      = []byte("token")
	serverURLKey  = []byte("server_url")
	syncStatusKey = []byte("sync_status")
	rootFolderKey = []byte("root_folder_id")
)

// Credentials is the session used to talk to the bookmark server.
type Credentials struct {
	Token     string
	ServerURL string
}

// LoggedIn reports whether a token is present.
func (c Credentials) LoggedIn() bool {
	return c.Token != ""
}

// SyncStatus records the outcome of the most recent full sync.
type SyncStatus struct {
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Duration   string    `json:"duration" yaml:"duration"`
	Total      int       `json:"total" yaml:"total"`
	Created    int       `json:"created" yaml:"created"`
	Updated    int       `json:"updated" yaml:"updated"`
	Skipped    int       `json:"skipped" yaml:"skipped"`
	Failed     int       `json:"failed" yaml:"failed"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB

	mu       sync.Mutex
	watchers []func(Credentials)
}

// Load opens the state database at path, creating it if it does not
// exist. The app bucket is created on open.
func Load(path string) (*State, error) {
	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached authentication token, or empty string.
func (s *State) Token() string {
	return s.Credentials().Token
}

// Credentials returns the stored session. Missing values are empty.
func (s *State) Credentials() Credentials {
	var creds Credentials

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		creds.Token = string(b.Get(tokenKey))
		creds.ServerURL = string(b.Get(serverURLKey))

		return nil
	})

	return creds
}

// SetCredentials persists the session and notifies watchers.
// An empty ServerURL leaves the stored URL unchanged.
func (s *State) SetCredentials(creds Credentials) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put(tokenKey, []byte(creds.Token)); err != nil {
			return err
		}

		if creds.ServerURL == "" {
			return nil
		}

		return b.Put(serverURLKey, []byte(creds.ServerURL))
	})
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	s.notify()

	return nil
}

// ClearToken removes the stored token but keeps the server URL, then
// notifies watchers.
func (s *State) ClearToken() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
	if err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}

	s.notify()

	return nil
}

// OnCredentialsChange registers fn to run after every credentials write.
// fn runs on the writer's goroutine and must not block.
func (s *State) OnCredentialsChange(fn func(Credentials)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

func (s *State) notify() {
	s.mu.Lock()
	watchers := append([]func(Credentials){}, s.watchers...)
	s.mu.Unlock()

	creds := s.Credentials()
	for _, fn := range watchers {
		fn(creds)
	}
}

// SyncStatus returns the last recorded full sync, or nil if none ran yet.
func (s *State) SyncStatus() (*SyncStatus, error) {
	var st *SyncStatus

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(syncStatusKey)
		if v == nil {
			return nil
		}

		st = &SyncStatus{}

		return json.Unmarshal(v, st)
	})

	return st, err
}

// SetSyncStatus records the outcome of a full sync.
func (s *State) SetSyncStatus(st SyncStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(syncStatusKey, data)
	})
}

// RootFolderID returns the last known local id of the sync root folder.
// It is a hint only; callers must verify the node still exists.
func (s *State) RootFolderID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(appBucket).Get(rootFolderKey))
		return nil
	})

	return id
}

// SetRootFolderID remembers the local id of the sync root folder.
func (s *State) SetRootFolderID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(rootFolderKey, []byte(id))
	})
}
