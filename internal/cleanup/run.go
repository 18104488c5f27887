package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/classify"
	"duoclean.org/internal/duo"
	"duoclean.org/internal/ids"
	"duoclean.org/internal/obs"
)

type candidate struct {
	user duo.User
	res  classify.Result
}

// run holds the mutable state of one execution. It is only touched by the goroutine
// executing the run.
type run struct {
	o          *Orchestrator
	rec        OperationRecord
	persist    context.Context
	candidates []candidate
}

func (o *Orchestrator) execute(ctx context.Context, rec OperationRecord) (OperationRecord, error) {
	r := &run{o: o, rec: rec, persist: context.WithoutCancel(ctx)}
	obs.Log("info", "cleanup_run_started", map[string]any{
		"run_id":    rec.ID,
		"mode":      rec.Mode.String(),
		"actor":     rec.Actor,
		"usernames": len(o.usernames),
	})
	r.emit(EventStarted, nil)

	err := r.scan(ctx)
	if err == nil {
		r.save()
		if rec.Mode == ModeProduction {
			err = r.deleteAll(ctx)
		} else {
			r.dryRun()
		}
	}
	return r.finish(err)
}

func (r *run) scan(ctx context.Context) error {
	if len(r.o.usernames) > 0 {
		return r.scanUsernames(ctx)
	}
	offset := 0
	for {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		page, more, err := r.o.dir.ListUsers(ctx, offset, r.o.pageSize)
		if err != nil {
			if isCanceled(err) {
				return ErrCanceled
			}
			return fmt.Errorf("cleanup: list users at offset %d: %w", offset, err)
		}
		for _, u := range page {
			r.consider(u, false)
		}
		offset += len(page)
		if !more || len(page) == 0 {
			return nil
		}
	}
}

func (r *run) scanUsernames(ctx context.Context) error {
	for _, name := range r.o.usernames {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		u, err := r.o.dir.GetUser(ctx, name)
		switch {
		case err == nil:
			r.consider(u, true)
		case errors.Is(err, duo.ErrNotFound):
			r.rec.TotalScanned++
			r.rec.NotFound++
			r.outcome(AccountOutcome{Username: name, Action: "none", Result: ResultNotFound})
		case errors.Is(err, duo.ErrAuthentication):
			return fmt.Errorf("cleanup: look up %q: %w", name, err)
		case isCanceled(err):
			return ErrCanceled
		default:
			r.rec.TotalScanned++
			r.rec.Failed++
			r.outcome(AccountOutcome{Username: name, Action: "none", Result: ResultFailed, Error: err.Error()})
		}
	}
	return nil
}

// consider classifies u. Explicitly listed accounts get an outcome row even when
// they do not match, so the results cover every requested name.
func (r *run) consider(u duo.User, explicit bool) {
	res := r.o.classifier.Classify(u)
	r.rec.TotalScanned++
	switch res.Action {
	case classify.ActionDelete:
		r.rec.TotalCandidates++
		r.candidates = append(r.candidates, candidate{user: u, res: res})
	case classify.ActionSkipManaged:
		r.rec.SkippedManaged++
		r.outcome(outcomeFor(u, res, ResultSkippedManaged, nil))
	default:
		r.rec.SkippedNoMatch++
		if explicit {
			r.outcome(outcomeFor(u, res, ResultSkippedNoMatch, nil))
		}
	}
}

func (r *run) dryRun() {
	for _, c := range r.candidates {
		r.rec.WouldDelete++
		r.outcome(outcomeFor(c.user, c.res, ResultWouldDelete, nil))
	}
}

func (r *run) deleteAll(ctx context.Context) error {
	size := r.o.batchSize
	for start := 0; start < len(r.candidates); start += size {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		end := start + size
		if end > len(r.candidates) {
			end = len(r.candidates)
		}
		batch := r.candidates[start:end]

		var err error
		if r.o.useBulk {
			err = r.deleteBulk(ctx, batch)
		} else {
			err = r.deleteEach(ctx, batch)
		}
		r.save()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) deleteEach(ctx context.Context, batch []candidate) error {
	for _, c := range batch {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		ready, err := r.prepare(ctx, c)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		r.rec.Attempted++
		if abort := r.settle(c, r.o.dir.DeleteUser(ctx, c.user.UserID)); abort != nil {
			return abort
		}
	}
	return nil
}

func (r *run) deleteBulk(ctx context.Context, batch []candidate) error {
	ready := make([]candidate, 0, len(batch))
	for _, c := range batch {
		ok, err := r.prepare(ctx, c)
		if err != nil {
			return err
		}
		if ok {
			ready = append(ready, c)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	ops := make([]duo.Operation, len(ready))
	for i, c := range ready {
		ops[i] = duo.DeleteUserOp(c.user.UserID)
	}
	r.rec.Attempted += len(ready)
	results, callErr := r.o.dir.Bulk(ctx, ops)

	var abort error
	for i, c := range ready {
		err := callErr
		if err == nil {
			if i < len(results) {
				err = results[i].Err
			} else {
				err = fmt.Errorf("%w: no bulk result for %s", duo.ErrRejected, c.user.UserID)
			}
		}
		if a := r.settle(c, err); a != nil && abort == nil {
			abort = a
		}
	}
	return abort
}

// prepare asks for confirmation and writes the backup. A false result means the
// account must not be deleted.
func (r *run) prepare(ctx context.Context, c candidate) (bool, error) {
	if r.o.confirm != nil {
		ok, err := r.o.confirm(ctx, c.res)
		if err != nil {
			return false, fmt.Errorf("cleanup: confirm %q: %w", c.user.Username, err)
		}
		if !ok {
			r.outcome(outcomeFor(c.user, c.res, ResultDeclined, nil))
			return false, nil
		}
	}

	payload, err := json.Marshal(c.user)
	if err == nil {
		err = r.o.store.SaveBackup(r.persist, BackupSnapshot{
			ID:         ids.New(),
			RunID:      r.rec.ID,
			UserID:     c.user.UserID,
			Username:   c.user.Username,
			CapturedAt: r.o.now().UTC(),
			Payload:    payload,
		})
	}
	if err != nil {
		r.rec.Failed++
		r.outcome(outcomeFor(c.user, c.res, ResultFailed, fmt.Errorf("backup not written, delete skipped: %w", err)))
		return false, nil
	}
	return true, nil
}

// settle records the result of one delete attempt. It returns a non-nil error only
// when the run must stop.
func (r *run) settle(c candidate, err error) error {
	entry := audit.Entry{
		Action:   audit.ActionDelete,
		Username: c.user.Username,
		UserID:   c.user.UserID,
		RunID:    r.rec.ID,
		OldValue: c.user.StatusName(),
	}
	var result Result
	var abort error
	switch {
	case err == nil:
		r.rec.Succeeded++
		result = ResultDeleted
		entry.NewValue = "deleted"
		entry.Success = true
	case errors.Is(err, duo.ErrNotFound):
		r.rec.NotFound++
		result = ResultAlreadyAbsent
		entry.NewValue = "absent"
		entry.Success = true
		err = nil
	case errors.Is(err, duo.ErrSyncManaged):
		r.rec.SkippedManaged++
		result = ResultSkippedManaged
	case errors.Is(err, duo.ErrAuthentication):
		r.rec.Failed++
		result = ResultFailed
		abort = fmt.Errorf("cleanup: delete %s: %w", c.user.UserID, err)
	case isCanceled(err):
		r.rec.Failed++
		result = ResultFailed
		abort = ErrCanceled
	default:
		r.rec.Failed++
		result = ResultFailed
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if _, recErr := r.o.recorder.Record(r.persist, entry); recErr != nil && abort == nil {
		abort = fmt.Errorf("%w: delete of %s: %w", ErrAuditUnavailable, c.user.UserID, recErr)
	}
	r.outcome(outcomeFor(c.user, c.res, result, err))
	return abort
}

func (r *run) outcome(out AccountOutcome) {
	out.RunID = r.rec.ID
	out.RecordedAt = r.o.now().UTC()
	obs.CountAccount(r.rec.Mode.String(), string(out.Result))
	if err := r.o.store.AppendOutcome(r.persist, out); err != nil {
		obs.Log("warn", "cleanup_outcome_not_saved", map[string]any{
			"run_id":   r.rec.ID,
			"username": out.Username,
			"error":    err.Error(),
		})
	}
	r.emit(EventOutcome, &out)
}

func (r *run) save() {
	if err := r.o.store.UpdateOperation(r.persist, r.rec); err != nil {
		obs.Log("warn", "cleanup_progress_not_saved", map[string]any{"run_id": r.rec.ID, "error": err.Error()})
	}
	if !r.rec.Status.Terminal() {
		r.emit(EventProgress, nil)
	}
}

func (r *run) emit(t EventType, out *AccountOutcome) {
	if r.o.events == nil {
		return
	}
	evt := Event{Type: t, RunID: r.rec.ID, At: r.o.now().UTC(), Outcome: out}
	if out == nil {
		snap := r.rec
		evt.Run = &snap
	}
	r.o.events(evt)
}

func (r *run) finish(runErr error) (OperationRecord, error) {
	done := r.o.now().UTC()
	r.rec.CompletedAt = &done
	r.rec.Status = StatusCompleted
	level := "info"
	if runErr != nil {
		r.rec.Status = StatusFailed
		r.rec.Error = runErr.Error()
		level = "error"
	}
	r.save()
	r.emit(EventFinished, nil)
	obs.CountRun(r.rec.Mode.String(), string(r.rec.Status))
	obs.Log(level, "cleanup_run_finished", map[string]any{
		"run_id":      r.rec.ID,
		"mode":        r.rec.Mode.String(),
		"status":      string(r.rec.Status),
		"scanned":     r.rec.TotalScanned,
		"candidates":  r.rec.TotalCandidates,
		"succeeded":   r.rec.Succeeded,
		"failed":      r.rec.Failed,
		"not_found":   r.rec.NotFound,
		"duration_ms": done.Sub(r.rec.StartedAt).Milliseconds(),
		"error":       r.rec.Error,
	})
	return r.rec, runErr
}

func outcomeFor(u duo.User, res classify.Result, result Result, err error) AccountOutcome {
	out := AccountOutcome{
		UserID:      u.UserID,
		Username:    u.Username,
		InDirectory: result != ResultAlreadyAbsent,
		SyncManaged: res.IsSyncManaged,
		Action:      res.Action.String(),
		Result:      result,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
