// Package bypass looks up a single user and changes their authentication status. Every
// lookup and every change attempt is audited; confirmation is left to the caller. When an
// entry cannot be stored the returned error matches audit.ErrNotPersisted.
package bypass

import (
	"context"
	"errors"
	"fmt"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/duo"
)

// Directory is the part of the admin API the controller needs. *duo.Client implements it.
type Directory interface {
	GetUser(ctx context.Context, username string) (duo.User, error)
	GetUserByID(ctx context.Context, userID string) (duo.User, error)
	UpdateStatus(ctx context.Context, userID string, status duo.Status) (duo.User, error)
}

type Controller struct {
	dir      Directory
	recorder *audit.Recorder
}

func New(dir Directory, recorder *audit.Recorder) *Controller {
	if recorder == nil {
		recorder = audit.NewRecorder(nil, nil)
	}
	return &Controller{dir: dir, recorder: recorder}
}

// Find returns the user named username. A lookup entry is written whatever the outcome.
// If that entry is lost the user is still returned along with the audit error.
func (c *Controller) Find(ctx context.Context, username string) (duo.User, error) {
	u, err := c.dir.GetUser(ctx, username)
	entry := audit.Entry{
		Action:   audit.ActionLookup,
		Username: username,
		UserID:   u.UserID,
		Success:  err == nil,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	} else {
		entry.NewValue = u.StatusName()
	}
	_, recErr := c.recorder.Record(ctx, entry)
	if err != nil {
		return duo.User{}, errors.Join(err, recErr)
	}
	return u, recErr
}

// SetStatus moves userID to status and returns the record the API reports back. Values
// outside the four known statuses are rejected before any call is made.
func (c *Controller) SetStatus(ctx context.Context, userID string, status duo.Status) (duo.User, error) {
	if !status.Valid() {
		return duo.User{}, fmt.Errorf("%w: %v", duo.ErrInvalidStatus, status)
	}

	entry := audit.Entry{
		Action:   audit.ActionStatusChange,
		UserID:   userID,
		NewValue: status.String(),
	}
	current, err := c.dir.GetUserByID(ctx, userID)
	if err != nil {
		entry.ErrorMessage = fmt.Sprintf("read current status: %v", err)
		_, recErr := c.recorder.Record(ctx, entry)
		return duo.User{}, errors.Join(err, recErr)
	}
	entry.Username = current.Username
	entry.OldValue = current.StatusName()

	updated, err := c.dir.UpdateStatus(ctx, userID, status)
	if err != nil {
		entry.ErrorMessage = err.Error()
		_, recErr := c.recorder.Record(ctx, entry)
		return duo.User{}, errors.Join(err, recErr)
	}
	entry.Success = true
	entry.NewValue = updated.Status.String()
	if _, err := c.recorder.Record(ctx, entry); err != nil {
		return updated, err
	}
	return updated, nil
}
