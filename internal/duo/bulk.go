package duo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Operation is one entry of a bulk request.
type Operation struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Body   map[string]string `json:"body"`
}

// DeleteUserOp builds the bulk form of DeleteUser.
func DeleteUserOp(userID string) Operation {
	path, _ := userPath(userID)
	return Operation{Method: http.MethodDelete, Path: path, Body: map[string]string{}}
}

// BulkResult is the per-item outcome of a bulk call. Err is nil on success and
// otherwise unwraps to a package sentinel (ErrSyncManaged, ErrNotFound, ...).
type BulkResult struct {
	Operation Operation
	Response  json.RawMessage
	Err       error
}

// Bulk sends up to the limiter's batch ceiling of operations in one call. Oversized
// batches are rejected before anything is sent.
func (c *Client) Bulk(ctx context.Context, ops []Operation) ([]BulkResult, error) {
	if err := c.limiter.AdmitBatch(len(ops)); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	sent := make([]Operation, len(ops))
	for i, op := range ops {
		if op.Method == "" || op.Path == "" {
			return nil, fmt.Errorf("%w: bulk operation %d has no method or path", ErrRejected, i)
		}
		if op.Body == nil {
			op.Body = map[string]string{}
		}
		sent[i] = op
	}
	payload, err := json.Marshal(sent)
	if err != nil {
		return nil, fmt.Errorf("duo: encode bulk operations: %w", err)
	}
	raw, err := c.call(ctx, http.MethodPost, bulkPath, url.Values{"operations": {string(payload)}})
	if err != nil {
		return nil, err
	}
	var items []envelope
	if err := decode(raw, &items); err != nil {
		return nil, err
	}

	results := make([]BulkResult, len(sent))
	for i, op := range sent {
		results[i].Operation = op
		if i >= len(items) {
			results[i].Err = fmt.Errorf("%w: no bulk result for operation %d", ErrRejected, i)
			continue
		}
		item := items[i]
		if item.Stat != "OK" {
			results[i].Err = newAPIError(0, item.Code, item.Message, item.MessageDetail)
			continue
		}
		results[i].Response = item.Response
	}
	return results, nil
}
