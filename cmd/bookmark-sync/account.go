package main

import (
	"context"
	"strings"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
)

// account logs in against the bookmark server and stores the session.
// Storing it notifies the running controller, if any.
type account struct {
	client *api.Client
	state  *state.State
}

func (a *app) account() *account {
	return &account{client: a.client, state: a.state}
}

// Login exchanges email and password for a token. An empty serverURL
// falls back to the stored or configured one.
func (a *account) Login(ctx context.Context, serverURL, email, password string) (*api.User, error) {
	if serverURL == "" {
		serverURL = a.client.ServerURL()
	}

	serverURL = strings.TrimRight(serverURL, "/")

	token, user, err := a.client.Login(ctx, serverURL, email, password)
	if err != nil {
		return nil, err
	}

	if err := a.state.SetCredentials(state.Credentials{Token: token, ServerURL: serverURL}); err != nil {
		return nil, err
	}

	return user, nil
}

// Logout drops the stored token and keeps the server URL.
func (a *account) Logout() error {
	return a.state.ClearToken()
}
