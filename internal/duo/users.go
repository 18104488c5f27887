package duo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 300
)

// ListUsers returns one page of users. hasMore is false once the API returns fewer
// than limit items.
func (c *Client) ListUsers(ctx context.Context, offset, limit int) ([]User, bool, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	params := url.Values{
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	raw, err := c.call(ctx, http.MethodGet, usersPath, params)
	if err != nil {
		return nil, false, err
	}
	var users []User
	if err := decode(raw, &users); err != nil {
		return nil, false, err
	}
	return users, len(users) >= limit, nil
}

// GetUser looks a user up by username. An empty result is ErrNotFound.
func (c *Client) GetUser(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrRejected)
	}
	raw, err := c.call(ctx, http.MethodGet, usersPath, url.Values{"username": {username}})
	if err != nil {
		return User{}, err
	}
	var users []User
	if err := decode(raw, &users); err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	return users[0], nil
}

// GetUserByID fetches the current record for userID.
func (c *Client) GetUserByID(ctx context.Context, userID string) (User, error) {
	path, err := userPath(userID)
	if err != nil {
		return User{}, err
	}
	raw, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := decode(raw, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// UpdateStatus changes the user's status and returns the record the API reports back.
// Directory-managed users yield ErrSyncManaged.
func (c *Client) UpdateStatus(ctx context.Context, userID string, status Status) (User, error) {
	if !status.Valid() {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidStatus, status)
	}
	path, err := userPath(userID)
	if err != nil {
		return User{}, err
	}
	raw, err := c.call(ctx, http.MethodPost, path, url.Values{"status": {status.wire()}})
	if err != nil {
		return User{}, err
	}
	var u User
	if err := decode(raw, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// DeleteUser removes a locally managed user. It returns nil, ErrNotFound or
// ErrSyncManaged for the expected outcomes.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	path, err := userPath(userID)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodDelete, path, nil)
	return err
}

func userPath(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrRejected)
	}
	return usersPath + "/" + url.PathEscape(userID), nil
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty response payload", ErrRejected)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrRejected, err)
	}
	return nil
}
