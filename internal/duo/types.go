package duo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Status is the authentication status of a directory user.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusBypass
	StatusDisabled
	StatusLockedOut
)

var statusNames = map[Status]string{
	StatusActive:    "active",
	StatusBypass:    "bypass",
	StatusDisabled:  "disabled",
	StatusLockedOut: "locked_out",
}

// ParseStatus accepts the canonical names plus the "locked out" spelling used on the wire.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, nil
	case "bypass":
		return StatusBypass, nil
	case "disabled":
		return StatusDisabled, nil
	case "locked_out", "locked out":
		return StatusLockedOut, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the four directory statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// wire returns the value the admin API expects in request parameters.
func (s Status) wire() string {
	if s == StatusLockedOut {
		return "locked out"
	}
	return s.String()
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON maps values outside the four known statuses (the API also reports states
// such as "pending deletion") to StatusUnknown instead of failing the whole payload.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s, _ = ParseStatus(raw)
	return nil
}

// User is a directory account as returned by the admin API. Callers treat it as read-only:
// changes go through the client and are observed by fetching the user again.
type User struct {
	UserID            string            `json:"user_id"`
	Username          string            `json:"username"`
	Email             string            `json:"email,omitempty"`
	Status            Status            `json:"status"`
	DirectoryKey      *string           `json:"directory_key,omitempty"`
	ExternalID        *string           `json:"external_id,omitempty"`
	LastDirectorySync *SyncTime         `json:"last_directory_sync,omitempty"`
	Aliases           map[string]string `json:"aliases,omitempty"`

	// RawStatus is the status string as reported by the API.
	RawStatus string `json:"-"`
}

// userJSON has User's fields without its methods.
type userJSON User

func (u *User) UnmarshalJSON(data []byte) error {
	aux := struct {
		*userJSON
		Status string `json:"status"`
	}{userJSON: (*userJSON)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.Status, _ = ParseStatus(aux.Status)
	u.RawStatus = aux.Status
	return nil
}

// MarshalJSON writes the reported status back verbatim when it is not one of the known
// values, so backups keep what the API returned.
func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		*userJSON
		Status string `json:"status"`
	}{userJSON: (*userJSON)(&u), Status: u.StatusName()})
}

// StatusName is the canonical status name, or the raw API value for unknown statuses.
func (u User) StatusName() string {
	if !u.Status.Valid() && strings.TrimSpace(u.RawStatus) != "" {
		return u.RawStatus
	}
	return u.Status.String()
}

// SyncManaged reports whether the account is controlled by directory sync.
// Such accounts must never be deleted directly.
func (u User) SyncManaged() bool {
	return present(u.DirectoryKey) || present(u.ExternalID) || (u.LastDirectorySync != nil && !u.LastDirectorySync.zero())
}

// AliasList returns alias values ordered by alias slot.
func (u User) AliasList() []string {
	if len(u.Aliases) == 0 {
		return nil
	}
	keys := make([]string, 0, len(u.Aliases))
	for k := range u.Aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := strings.TrimSpace(u.Aliases[k]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// SyncTime holds last_directory_sync, which the API reports either as a unix timestamp or
// as a string.
type SyncTime struct {
	Raw string
}

func (t SyncTime) zero() bool {
	return t.Raw == "" || t.Raw == "0"
}

func (t SyncTime) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(t.Raw, 10, 64); err == nil {
		return json.Marshal(n)
	}
	return json.Marshal(t.Raw)
}

func (t *SyncTime) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		t.Raw = n.String()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duo: last_directory_sync: %w", err)
	}
	t.Raw = s
	return nil
}

// Credential identifies the admin API integration. It is loaded once at startup.
type Credential struct {
	IntegrationKey string
	SecretKey      string
	Host           string
}

// String never includes the secret key.
func (c Credential) String() string {
	return fmt.Sprintf("duo.Credential{ikey=%s host=%s skey=[redacted]}", c.IntegrationKey, c.Host)
}

// Validate reports missing credential fields.
func (c Credential) Validate() error {
	var missing []string
	if strings.TrimSpace(c.IntegrationKey) == "" {
		missing = append(missing, "integration key")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		missing = append(missing, "secret key")
	}
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "api host")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}
