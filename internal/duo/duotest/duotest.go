// Package duotest provides a simulated clock and an in-memory admin API directory so the
// cleanup and bypass flows can be tested without network access or real waiting.
package duotest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"duoclean.org/internal/duo"
)

// Clock is a manually driven clock. Sleep advances it instead of blocking.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep records d and moves the clock forward. It honours an already cancelled ctx.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Call is one recorded directory operation.
type Call struct {
	Op  string
	Arg string
}

// Directory is an in-memory stand-in for the admin API.
type Directory struct {
	mu         sync.Mutex
	users      []duo.User
	calls      []Call
	failDelete map[string]error
	failUpdate map[string]error
	failList   error
	onCall     func(Call)
	maxBatch   int
}

func NewDirectory(users ...duo.User) *Directory {
	return &Directory{
		users:      append([]duo.User(nil), users...),
		failDelete: make(map[string]error),
		failUpdate: make(map[string]error),
		maxBatch:   duo.MaxBatch,
	}
}

// SetMaxBatch lowers the number of operations Bulk accepts.
func (d *Directory) SetMaxBatch(n int) {
	d.mu.Lock()
	d.maxBatch = n
	d.mu.Unlock()
}

func (d *Directory) MaxBatch() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxBatch
}

// FailDelete makes deletes of userID return err.
func (d *Directory) FailDelete(userID string, err error) {
	d.mu.Lock()
	d.failDelete[userID] = err
	d.mu.Unlock()
}

// FailUpdate makes status updates of userID return err.
func (d *Directory) FailUpdate(userID string, err error) {
	d.mu.Lock()
	d.failUpdate[userID] = err
	d.mu.Unlock()
}

// FailList makes every ListUsers call return err.
func (d *Directory) FailList(err error) {
	d.mu.Lock()
	d.failList = err
	d.mu.Unlock()
}

// OnCall registers fn to observe every call before it is applied.
func (d *Directory) OnCall(fn func(Call)) {
	d.mu.Lock()
	d.onCall = fn
	d.mu.Unlock()
}

func (d *Directory) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Count returns how many calls of op were made.
func (d *Directory) Count(op string) int {
	n := 0
	for _, c := range d.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (d *Directory) Users() []duo.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]duo.User(nil), d.users...)
}

func (d *Directory) record(op, arg string) {
	c := Call{Op: op, Arg: arg}
	d.calls = append(d.calls, c)
	if d.onCall != nil {
		d.onCall(c)
	}
}

func (d *Directory) ListUsers(ctx context.Context, offset, limit int) ([]duo.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("list", fmt.Sprintf("%d:%d", offset, limit))
	if d.failList != nil {
		return nil, false, d.failList
	}
	if limit <= 0 {
		limit = duo.DefaultPageSize
	}
	if offset >= len(d.users) {
		return nil, false, nil
	}
	end := offset + limit
	if end > len(d.users) {
		end = len(d.users)
	}
	page := append([]duo.User(nil), d.users[offset:end]...)
	return page, len(page) >= limit, nil
}

func (d *Directory) GetUser(ctx context.Context, username string) (duo.User, error) {
	if err := ctx.Err(); err != nil {
		return duo.User{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("get", username)
	for _, u := range d.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return duo.User{}, fmt.Errorf("%w: user %q", duo.ErrNotFound, username)
}

func (d *Directory) GetUserByID(ctx context.Context, userID string) (duo.User, error) {
	if err := ctx.Err(); err != nil {
		return duo.User{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("get_id", userID)
	if i := d.index(userID); i >= 0 {
		return d.users[i], nil
	}
	return duo.User{}, fmt.Errorf("%w: user id %q", duo.ErrNotFound, userID)
}

func (d *Directory) UpdateStatus(ctx context.Context, userID string, status duo.Status) (duo.User, error) {
	if err := ctx.Err(); err != nil {
		return duo.User{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("update", userID+"="+status.String())
	return d.update(userID, status)
}

func (d *Directory) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("delete", userID)
	return d.delete(userID)
}

// Bulk applies each operation independently, the way the remote API reports per-item results.
func (d *Directory) Bulk(ctx context.Context, ops []duo.Operation) ([]duo.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(ops) > d.maxBatch {
		return nil, fmt.Errorf("%w: %d operations, limit %d", duo.ErrBatchTooLarge, len(ops), d.maxBatch)
	}
	d.record("bulk", fmt.Sprintf("%d", len(ops)))
	results := make([]duo.BulkResult, len(ops))
	for i, op := range ops {
		results[i].Operation = op
		id, err := idFromPath(op.Path)
		if err != nil {
			results[i].Err = err
			continue
		}
		if op.Method != http.MethodDelete {
			results[i].Err = fmt.Errorf("%w: unsupported bulk method %s", duo.ErrRejected, op.Method)
			continue
		}
		results[i].Err = d.delete(id)
	}
	return results, nil
}

func (d *Directory) index(userID string) int {
	for i, u := range d.users {
		if u.UserID == userID {
			return i
		}
	}
	return -1
}

func (d *Directory) delete(userID string) error {
	if err, ok := d.failDelete[userID]; ok {
		return err
	}
	i := d.index(userID)
	if i < 0 {
		return fmt.Errorf("%w: user id %q", duo.ErrNotFound, userID)
	}
	if d.users[i].SyncManaged() {
		return fmt.Errorf("%w: user id %q", duo.ErrSyncManaged, userID)
	}
	d.users = append(d.users[:i], d.users[i+1:]...)
	return nil
}

func (d *Directory) update(userID string, status duo.Status) (duo.User, error) {
	if err, ok := d.failUpdate[userID]; ok {
		return duo.User{}, err
	}
	i := d.index(userID)
	if i < 0 {
		return duo.User{}, fmt.Errorf("%w: user id %q", duo.ErrNotFound, userID)
	}
	d.users[i].Status = status
	return d.users[i], nil
}

func idFromPath(path string) (string, error) {
	const prefix = "/admin/v1/users/"
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("%w: unsupported bulk path %s", duo.ErrRejected, path)
	}
	return url.PathUnescape(strings.TrimPrefix(path, prefix))
}

// User builds an unmanaged user record.
func User(id, username string, status duo.Status) duo.User {
	return duo.User{UserID: id, Username: username, Email: username, Status: status}
}

// Managed builds a user synchronised from a directory.
func Managed(id, username string) duo.User {
	key := "dir-" + id
	u := User(id, username, duo.StatusActive)
	u.DirectoryKey = &key
	return u
}
