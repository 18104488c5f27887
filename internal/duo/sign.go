package duo

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Signature carries the two headers that authenticate one request.
type Signature struct {
	Date          string
	Authorization string
}

// Signer signs requests for a single credential using the injected clock.
type Signer struct {
	cred Credential
	now  func() time.Time
}

func NewSigner(cred Credential, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{cred: cred, now: now}
}

// Sign builds a fresh signature. A signature is only valid near its date, so callers
// must sign again for every attempt.
func (s *Signer) Sign(method, path string, params url.Values) Signature {
	return Sign(s.cred, method, path, params, s.now())
}

// Sign computes the HMAC-SHA1 authorization for the canonical form of a request.
func Sign(cred Credential, method, path string, params url.Values, at time.Time) Signature {
	date := at.UTC().Format(time.RFC1123Z)
	canon := CanonicalString(date, method, cred.Host, path, params)

	mac := hmac.New(sha1.New, []byte(cred.SecretKey))
	mac.Write([]byte(canon))
	sig := hex.EncodeToString(mac.Sum(nil))

	basic := base64.StdEncoding.EncodeToString([]byte(cred.IntegrationKey + ":" + sig))
	return Signature{Date: date, Authorization: "Basic " + basic}
}

// CanonicalString is the newline-joined form that gets signed.
func CanonicalString(date, method, host, path string, params url.Values) string {
	return strings.Join([]string{
		date,
		strings.ToUpper(method),
		strings.ToLower(host),
		path,
		CanonicalParams(params),
	}, "\n")
}

// CanonicalParams encodes params RFC 3986 style and sorts them by key, then value.
// The same string is sent on the wire so the signed and transmitted forms never diverge.
func CanonicalParams(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(params))
	for k, vs := range params {
		ek := escape(k)
		for _, v := range vs {
			pairs = append(pairs, pair{ek, escape(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
