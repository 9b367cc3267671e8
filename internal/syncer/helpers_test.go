package syncer

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/api/apitest"
	"github.com/alexjbarnes/bookmark-sync/internal/folderpath"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
	"github.com/stretchr/testify/require"
)

const rootTitle = "SyncRoot"

var defaultTags = []string{"browser-sync"}

type testEnv struct {
	store      *store.Memory
	paths      *folderpath.Resolver
	applied    *AppliedSet
	classifier *Classifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	paths := folderpath.New(mem, rootTitle)
	applied := NewAppliedSet()

	return &testEnv{
		store:      mem,
		paths:      paths,
		applied:    applied,
		classifier: NewClassifier(mem, paths, applied, slog.Default()),
	}
}

func (e *testEnv) reconciler(remote RemoteAPI, status StatusStore) *Reconciler {
	return NewReconciler(e.store, remote, e.paths, e.applied, status, defaultTags, slog.Default())
}

// session is a mutable credential holder.
type session struct {
	mu    sync.Mutex
	creds state.Credentials
}

func (s *session) Credentials() state.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creds
}

func (s *session) set(c state.Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
}

func newServerRemote(t *testing.T) (*api.Client, *apitest.Server) {
	t.Helper()

	srv := apitest.NewServer(t, "tok")
	sess := &session{creds: state.Credentials{Token: "tok", ServerURL: srv.URL}}

	return api.NewClient(nil, sess, ""), srv
}

func testState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.LoadAt(t.TempDir() + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func mustCreate(t *testing.T, s store.Store, parentID, title, url string) *store.Node {
	t.Helper()

	n, err := s.Create(context.Background(), store.CreateParams{ParentID: parentID, Title: title, URL: url})
	require.NoError(t, err)

	return n
}

// eventLog records every store event.
type eventLog struct {
	mu     sync.Mutex
	events []store.Event
}

func captureEvents(t *testing.T, s store.Store) *eventLog {
	t.Helper()

	l := &eventLog{}
	cancel := s.Subscribe(func(ev store.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	t.Cleanup(cancel)

	return l
}

func (l *eventLog) all() []store.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]store.Event(nil), l.events...)
}

func (l *eventLog) last() store.Event {
	all := l.all()
	return all[len(all)-1]
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// findByURL returns every bookmark with url anywhere in the store.
func findByURL(t *testing.T, s store.Store, url string) []*store.Node {
	t.Helper()

	found, err := s.Search(context.Background(), store.Query{URL: url})
	require.NoError(t, err)

	return found
}
