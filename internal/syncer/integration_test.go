package syncer

import (
	"context"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/api/apitest"
	"github.com/alexjbarnes/bookmark-sync/internal/channel"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasRecord(srv *apitest.Server, url string) func() bool {
	return func() bool {
		return slices.ContainsFunc(srv.Records(), func(r api.Record) bool { return r.URL == url })
	}
}

func TestEndToEnd_AgainstServer(t *testing.T) {
	srv := apitest.NewServer(t, "tok")
	srv.Seed(api.Record{Title: "A", URL: "https://a.com", Folder: "SyncRoot > Work"})

	sess := &session{creds: state.Credentials{Token: "tok", ServerURL: srv.URL}}
	client := api.NewClient(nil, sess, "")
	env := newTestEnv(t)

	ch := channel.New(channel.Options{
		Path:          "/ws",
		Subscriptions: []string{"bookmarks"},
		BaseDelay:     10 * time.Millisecond,
		MaxAttempts:   5,
		Heartbeat:     time.Minute,
	}, sess, slog.Default())

	ctrl := NewController(
		Options{SettleDelay: 10 * time.Millisecond},
		env.store, client, sess, ch,
		env.reconciler(client, testState(t)), env.classifier, slog.Default(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- ctrl.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Initial full sync pulls the seeded record.
	require.Eventually(t, func() bool {
		return len(findByURL(t, env.store, "https://a.com")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ch.State() == channel.Connected }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(srv.Subscriptions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// Another device adds a bookmark; it arrives by push and is not echoed.
	srv.ResetRequests()

	other := api.NewClient(nil, sess, "")
	_, err := other.CreateBookmark(ctx, api.BookmarkInput{Title: "B", URL: "https://b.com", Folder: "SyncRoot > Later"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(findByURL(t, env.store, "https://b.com")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(srv.Mutations()) > 1 }, 300*time.Millisecond, 20*time.Millisecond)

	// A local bookmark under the sync root is pushed.
	root := childByTitle(t, env.store, store.OtherID, rootTitle)
	c := mustCreate(t, env.store, root.ID, "C", "https://c.com")

	require.Eventually(t, hasRecord(srv, "https://c.com"), 5*time.Second, 10*time.Millisecond)

	for _, r := range srv.Records() {
		if r.URL == "https://c.com" {
			assert.Equal(t, "SyncRoot", r.Folder)
			assert.Equal(t, defaultTags, r.Tags)
		}
	}

	// The push comes back as a notification and must not duplicate it.
	assert.Never(t, func() bool {
		return len(findByURL(t, env.store, "https://c.com")) != 1
	}, 300*time.Millisecond, 20*time.Millisecond)

	// A bookmark outside the root stays local.
	srv.ResetRequests()
	mustCreate(t, env.store, store.BookmarkBarID, "D", "https://d.com")
	assert.Never(t, func() bool { return len(srv.Requests()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)

	// Removing the local bookmark deletes it on the server.
	require.NoError(t, env.store.Remove(context.Background(), c.ID))
	require.Eventually(t, func() bool { return !hasRecord(srv, "https://c.com")() }, 5*time.Second, 10*time.Millisecond)

	st := ctrl.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "connected", st.Channel)
	assert.Empty(t, st.LastError)
}
