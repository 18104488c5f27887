// Package ids generates the sortable identifiers used for runs, backups and audit
// entries, and the random request ids attached to API calls.
package ids

import (
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for the current time.
func New() string { return At(time.Now()) }

// At returns a sortable identifier stamped with t. Identifiers generated within the
// same millisecond still sort in creation order.
func At(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Time extracts the creation time embedded in an identifier from New or At.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("ids: parse %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}

// Request returns a random id for correlating one HTTP request across log lines.
func Request() string { return uuid.NewString() }
