package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RecordID is a server-assigned identity. The server may send it as a
// JSON number or string; it is kept in string form.
type RecordID string

// UnmarshalJSON accepts a number or a string.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		*id = RecordID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id: %w", err)
	}

	*id = RecordID(n.String())

	return nil
}

// MarshalJSON writes numeric ids as numbers and anything else as a string.
func (id RecordID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}

	return json.Marshal(string(id))
}

// Record is one bookmark in the server collection. URL is its identity
// for matching; Folder is a " > " joined path starting at the sync root.
type Record struct {
	ID          RecordID `json:"id,omitempty"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Folder      string   `json:"folder"`
	Tags        []string `json:"tags"`
	Description string   `json:"description,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// BookmarkInput is the body of create and update requests.
type BookmarkInput struct {
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Folder      string   `json:"folder"`
	Tags        []string `json:"tags"`
	Description string   `json:"description,omitempty"`
}

// User identifies the account a token belongs to.
type User struct {
	ID    RecordID `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
}

// APIError is the error body returned by the server.
type APIError struct {
	Error string `json:"error"`
}

type listResponse struct {
	Bookmarks []Record `json:"bookmarks"`
}

type bookmarkResponse struct {
	Message  string `json:"message"`
	Bookmark Record `json:"bookmark"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
	User  User `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
	User    User   `json:"user"`
}
