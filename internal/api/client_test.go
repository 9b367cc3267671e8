package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/api/apitest"
	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSession state.Credentials

func (s staticSession) Credentials() state.Credentials { return state.Credentials(s) }

func newClient(t *testing.T, token string) (*api.Client, *apitest.Server) {
	t.Helper()
	srv := apitest.NewServer(t, "tok-1")
	return api.NewClient(nil, staticSession{Token: token, ServerURL: srv.URL}, ""), srv
}

// --- RecordID ---

func TestRecordID_AcceptsNumberAndString(t *testing.T) {
	var rec api.Record
	require.NoError(t, json.Unmarshal([]byte(`{"id": 42, "url": "https://a"}`), &rec))
	assert.Equal(t, api.RecordID("42"), rec.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "b7c1", "url": "https://a"}`), &rec))
	assert.Equal(t, api.RecordID("b7c1"), rec.ID)

	out, err := json.Marshal(api.Record{ID: "42"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":42`)

	out, err = json.Marshal(api.Record{ID: "b7c1"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":"b7c1"`)
}

// --- CRUD ---

func TestClient_CRUD(t *testing.T) {
	c, srv := newClient(t, "tok-1")
	ctx := context.Background()

	created, err := c.CreateBookmark(ctx, api.BookmarkInput{
		Title:  "Go",
		URL:    "https://go.dev",
		Folder: "SyncRoot > Work",
		Tags:   []string{"browser-sync"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "SyncRoot > Work", created.Folder)

	list, err := c.ListBookmarks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"browser-sync"}, list[0].Tags)

	found, err := c.SearchByURL(ctx, "https://go.dev")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	updated, err := c.UpdateBookmark(ctx, created.ID, api.BookmarkInput{Title: "Go!", URL: "https://go.dev", Folder: "SyncRoot"})
	require.NoError(t, err)
	assert.Equal(t, "Go!", updated.Title)

	require.NoError(t, c.DeleteBookmark(ctx, created.ID))
	assert.Empty(t, srv.Records())

	assert.Equal(t, []string{
		"POST /bookmarks",
		"GET /bookmarks",
		"GET /bookmarks/search",
		"PUT /bookmarks/" + string(created.ID),
		"DELETE /bookmarks/" + string(created.ID),
	}, srv.Requests())
}

func TestSearchByURL_NoMatch(t *testing.T) {
	c, srv := newClient(t, "tok-1")
	srv.Seed(api.Record{Title: "a", URL: "https://a.com/path?x=1&y=2"})

	found, err := c.SearchByURL(context.Background(), "https://b.com")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = c.SearchByURL(context.Background(), "https://a.com/path?x=1&y=2")
	require.NoError(t, err)
	require.NotNil(t, found, "query characters in the URL are escaped")
}

func TestVerify(t *testing.T) {
	c, _ := newClient(t, "tok-1")

	user, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, apitest.Email, user.Email)
	assert.Equal(t, api.RecordID("1"), user.ID)
}

func TestLogin(t *testing.T) {
	srv := apitest.NewServer(t, "tok-issued")
	c := api.NewClient(nil, staticSession{}, srv.URL)

	token, user, err := c.Login(context.Background(), "", apitest.Email, apitest.Password)
	require.NoError(t, err)
	assert.Equal(t, "tok-issued", token)
	assert.Equal(t, apitest.Email, user.Email)

	_, _, err = c.Login(context.Background(), srv.URL, apitest.Email, "wrong")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

// --- Error taxonomy ---

func TestClient_NoToken(t *testing.T) {
	c, srv := newClient(t, "")

	_, err := c.ListBookmarks(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotLoggedIn)
	assert.Empty(t, srv.Requests(), "no request without a token")
}

func TestClient_NoServerURL(t *testing.T) {
	c := api.NewClient(nil, staticSession{Token: "tok"}, "")

	_, err := c.ListBookmarks(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotLoggedIn)
}

func TestClient_InvalidTokenIsUnauthorized(t *testing.T) {
	c, _ := newClient(t, "stale")

	_, err := c.Verify(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.False(t, api.IsTransient(err))
}

func TestClient_NotFound(t *testing.T) {
	c, _ := newClient(t, "tok-1")

	err := c.DeleteBookmark(context.Background(), "999")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Contains(t, err.Error(), "bookmark not found")
}

func TestClient_ServiceUnavailableIsTransient(t *testing.T) {
	c, srv := newClient(t, "tok-1")
	srv.SetUnavailable(true)

	_, err := c.ListBookmarks(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.True(t, api.IsTransient(err))
}

func TestClient_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := api.NewClient(nil, staticSession{Token: "tok", ServerURL: url}, "")
	_, err := c.ListBookmarks(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.True(t, api.IsTransient(err))
}

func TestClient_BadRequestIsPermanent(t *testing.T) {
	c, _ := newClient(t, "tok-1")

	_, err := c.CreateBookmark(context.Background(), api.BookmarkInput{URL: "https://no-title"})
	require.Error(t, err)
	assert.False(t, api.IsTransient(err))
	assert.Contains(t, err.Error(), "title and url are required")
}

func TestClient_SanitizesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("bad\x1b[31mred\x00"))
	}))
	defer srv.Close()

	c := api.NewClient(nil, staticSession{Token: "tok", ServerURL: srv.URL}, "")
	_, err := c.ListBookmarks(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad?[31mred?")
}

func TestClient_CancelledContext(t *testing.T) {
	c, _ := newClient(t, "tok-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ListBookmarks(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, api.IsTransient(err))
}

func TestClient_SessionURLPreferred(t *testing.T) {
	srv := apitest.NewServer(t, "tok-1")
	c := api.NewClient(nil, staticSession{Token: "tok-1", ServerURL: srv.URL}, "http://unused.invalid")

	assert.Equal(t, srv.URL, c.ServerURL())
	_, err := c.ListBookmarks(context.Background())
	require.NoError(t, err)
}
