package duo

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"
)

var testCred = Credential{
	IntegrationKey: "DIXXXXXXXXXXXXXXXXXX",
	SecretKey:      "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	Host:           "API-Test.duosecurity.com",
}

func TestCanonicalParams(t *testing.T) {
	cases := []struct {
		name   string
		params url.Values
		want   string
	}{
		{name: "empty", params: nil, want: ""},
		{
			name:   "sorted by key",
			params: url.Values{"offset": {"0"}, "limit": {"100"}},
			want:   "limit=100&offset=0",
		},
		{
			name:   "space and plus are percent encoded",
			params: url.Values{"username": {"a b"}, "realname": {"~x+y"}},
			want:   "realname=~x%2By&username=a%20b",
		},
		{
			name:   "repeated key sorted by value",
			params: url.Values{"k": {"b", "a"}},
			want:   "k=a&k=b",
		},
		{
			name:   "email",
			params: url.Values{"username": {"123456@eusd.org"}},
			want:   "username=123456%40eusd.org",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := CanonicalParams(tc.params); got != tc.want {
				t.Fatalf("CanonicalParams() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("Tue, 02 Jan 2024 03:04:05 +0000", "get", "API-Test.DuoSecurity.com", "/admin/v1/users",
		url.Values{"limit": {"10"}})
	want := "Tue, 02 Jan 2024 03:04:05 +0000\nGET\napi-test.duosecurity.com\n/admin/v1/users\nlimit=10"
	if got != want {
		t.Fatalf("CanonicalString() = %q, want %q", got, want)
	}
}

func TestSignProducesBasicHMAC(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	params := url.Values{"username": {"123456@eusd.org"}}
	sig := Sign(testCred, "GET", "/admin/v1/users", params, at)

	if sig.Date != "Tue, 02 Jan 2024 03:04:05 +0000" {
		t.Fatalf("unexpected date: %q", sig.Date)
	}
	if !strings.HasPrefix(sig.Authorization, "Basic ") {
		t.Fatalf("expected basic auth, got %q", sig.Authorization)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sig.Authorization, "Basic "))
	if err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	ikey, hexSig, ok := strings.Cut(string(raw), ":")
	if !ok || ikey != testCred.IntegrationKey {
		t.Fatalf("unexpected credential pair: %q", raw)
	}

	mac := hmac.New(sha1.New, []byte(testCred.SecretKey))
	mac.Write([]byte(CanonicalString(sig.Date, "GET", testCred.Host, "/admin/v1/users", params)))
	if want := hex.EncodeToString(mac.Sum(nil)); hexSig != want {
		t.Fatalf("signature = %s, want %s", hexSig, want)
	}
}

func TestSignerUsesFreshDate(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewSigner(testCred, func() time.Time { return now })
	first := s.Sign("DELETE", "/admin/v1/users/DU1", nil)
	now = now.Add(time.Second)
	second := s.Sign("DELETE", "/admin/v1/users/DU1", nil)
	if first.Date == second.Date || first.Authorization == second.Authorization {
		t.Fatalf("expected a new signature per call: %+v %+v", first, second)
	}
}

func TestCredentialStringRedactsSecret(t *testing.T) {
	if strings.Contains(testCred.String(), testCred.SecretKey) {
		t.Fatalf("secret leaked: %s", testCred.String())
	}
	if err := (Credential{Host: "x"}).Validate(); err == nil {
		t.Fatal("expected missing credential error")
	}
}
