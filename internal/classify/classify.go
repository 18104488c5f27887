// Package classify decides what the cleanup should do with a single directory user.
package classify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"duoclean.org/internal/duo"
)

// DefaultPattern matches the six-digit student identifiers created by self-enrollment.
const DefaultPattern = `^[0-9]{6}$`

// Action is the decision for one user.
type Action int

const (
	ActionSkipNoMatch Action = iota
	ActionSkipManaged
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionSkipManaged:
		return "skip_managed"
	default:
		return "skip_no_match"
	}
}

func (a Action) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

// Result is the classification of one user.
type Result struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	IsTargetPattern bool   `json:"is_target_pattern"`
	IsSyncManaged   bool   `json:"is_sync_managed"`
	Action          Action `json:"action"`
}

// Classifier applies a username pattern. The zero value is not usable; use New.
type Classifier struct {
	pattern *regexp.Regexp
}

// New compiles pattern. An empty pattern selects DefaultPattern.
func New(pattern string) (*Classifier, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("classify: compile pattern %q: %w", pattern, err)
	}
	return &Classifier{pattern: re}, nil
}

// Default returns a Classifier for DefaultPattern.
func Default() *Classifier {
	return &Classifier{pattern: regexp.MustCompile(DefaultPattern)}
}

func (c *Classifier) Pattern() string { return c.pattern.String() }

// Matches reports whether the local part of username fits the pattern.
func (c *Classifier) Matches(username string) bool {
	return c.pattern.MatchString(LocalPart(username))
}

// Classify is pure: the same user always yields the same result.
func (c *Classifier) Classify(u duo.User) Result {
	res := Result{
		UserID:          u.UserID,
		Username:        u.Username,
		IsTargetPattern: c.Matches(u.Username),
		IsSyncManaged:   u.SyncManaged(),
	}
	switch {
	case !res.IsTargetPattern:
		res.Action = ActionSkipNoMatch
	case res.IsSyncManaged:
		res.Action = ActionSkipManaged
	default:
		res.Action = ActionDelete
	}
	return res
}

// LocalPart strips an e-mail style domain suffix.
func LocalPart(username string) string {
	username = strings.TrimSpace(username)
	if i := strings.IndexByte(username, '@'); i >= 0 {
		return username[:i]
	}
	return username
}
