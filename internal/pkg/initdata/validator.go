// Package initdata verifies signed mini-app launch payloads.
//
// A payload is a URL-encoded key/value set. Its "hash" field is
// hex(HMAC-SHA256(signing_key, check_string)) where check_string is every
// other field as key=value, sorted by key and joined with '\n', and
// signing_key is derived from a bot token (see DeriveSigningKey).
package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge is the oldest auth_date accepted by default.
const DefaultMaxAge = 24 * time.Hour

var (
	ErrMalformedInput   = errors.New("initdata: malformed launch payload")
	ErrInvalidSignature = errors.New("initdata: invalid signature")
	ErrExpired          = errors.New("initdata: launch payload expired")
)

// User is the identity sub-payload embedded under the "user" key.
type User struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

// Assertion is the result of a successful validation. It is never persisted.
type Assertion struct {
	User         User
	AuthDate     time.Time
	StartParam   string
	QueryID      string
	ChatType     string
	ChatInstance string
	// Credential names the candidate whose signature matched.
	Credential string
}

// HasIdentity reports whether the identity sub-payload parsed.
func (a *Assertion) HasIdentity() bool {
	return a.User.ID != 0
}

// Validator checks payloads against an ordered list of credentials.
type Validator struct {
	credentials []Credential
	maxAge      time.Duration
	now         func() time.Time
}

type Option func(*Validator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator returns a validator trying credentials in the given order.
// A non-positive maxAge falls back to DefaultMaxAge.
func NewValidator(maxAge time.Duration, credentials []Credential, opts ...Option) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	v := &Validator{
		credentials: credentials,
		maxAge:      maxAge,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies raw with the validator's credentials and clock.
func (v *Validator) Validate(raw string) (*Assertion, error) {
	return Validate(raw, v.credentials, v.maxAge, v.now())
}

// Validate verifies a launch payload. Candidates are tried in order and the
// first match wins; when none match the error does not say which were tried.
// The signature is checked before auth_date so that any tampering surfaces as
// ErrInvalidSignature.
func Validate(raw string, credentials []Credential, maxAge time.Duration, now time.Time) (*Assertion, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, ErrMalformedInput
	}
	hash := values.Get("hash")
	if hash == "" {
		return nil, ErrMalformedInput
	}

	checkString := DataCheckString(values)

	var matched Credential
	for _, cred := range credentials {
		if hmac.Equal([]byte(sign(cred.SigningKey(), checkString)), []byte(hash)) {
			matched = cred
			break
		}
	}
	if matched == nil {
		return nil, ErrInvalidSignature
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, ErrMalformedInput
	}
	authDate := time.Unix(authUnix, 0)
	if now.Sub(authDate) > maxAge {
		return nil, ErrExpired
	}

	assertion := &Assertion{
		AuthDate:     authDate,
		StartParam:   values.Get("start_param"),
		QueryID:      values.Get("query_id"),
		ChatType:     values.Get("chat_type"),
		ChatInstance: values.Get("chat_instance"),
		Credential:   matched.Name(),
	}
	// The signature already proves integrity, so an unreadable identity
	// leaves the user empty instead of failing validation.
	if rawUser := values.Get("user"); rawUser != "" {
		var user User
		if err := json.Unmarshal([]byte(rawUser), &user); err == nil {
			assertion.User = user
		}
	}
	return assertion, nil
}

// DataCheckString builds the canonical string signed by the host: all fields
// except hash, sorted by key, formatted key=value and joined with '\n'.
func DataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values.Get(k))
	}
	return b.String()
}

// Sign returns the payload values encoded with a hash computed from secret.
// It mirrors what the mini-app host produces.
func Sign(values url.Values, secret string) string {
	signed := url.Values{}
	for k, v := range values {
		if k != "hash" {
			signed[k] = v
		}
	}
	signed.Set("hash", sign(DeriveSigningKey(secret), DataCheckString(signed)))
	return signed.Encode()
}

func sign(key []byte, checkString string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(checkString))
	return hex.EncodeToString(mac.Sum(nil))
}
