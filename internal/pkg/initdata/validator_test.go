package initdata

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mainToken   = "1234567:main-bot-token"
	notifyToken = "7654321:notify-bot-token"
)

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func launchValues(authDate time.Time) url.Values {
	return url.Values{
		"query_id":    {"AAHdF6IQAAAAAN0XohDhrOrc"},
		"user":        {`{"id":279058397,"first_name":"Vlad","username":"vdkfrost","language_code":"ru","is_premium":true}`},
		"auth_date":   {strconv.FormatInt(authDate.Unix(), 10)},
		"start_param": {"e-8f14e45f"},
	}
}

func testCredentials() []Credential {
	return []Credential{
		NewStaticCredential("main", mainToken),
		NewStaticCredential("notifications", notifyToken),
	}
}

func TestValidate_ValidPayload(t *testing.T) {
	raw := Sign(launchValues(fixedNow.Add(-time.Hour)), mainToken)

	a, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(279058397), a.User.ID)
	assert.Equal(t, "vdkfrost", a.User.Username)
	assert.True(t, a.User.IsPremium)
	assert.Equal(t, "e-8f14e45f", a.StartParam)
	assert.Equal(t, "main", a.Credential)
	assert.Equal(t, fixedNow.Add(-time.Hour).Unix(), a.AuthDate.Unix())
}

func TestValidate_SecondCredentialMatches(t *testing.T) {
	raw := Sign(launchValues(fixedNow), notifyToken)

	a, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "notifications", a.Credential)
}

func TestValidate_UnknownSecret(t *testing.T) {
	raw := Sign(launchValues(fixedNow), "999:someone-else")

	_, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate_NoCredentials(t *testing.T) {
	raw := Sign(launchValues(fixedNow), mainToken)

	_, err := Validate(raw, nil, DefaultMaxAge, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"no hash":    "auth_date=1&user=%7B%7D",
		"bad escape": "auth_date=1&hash=%zz",
		"empty hash": "auth_date=1&hash=",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
			assert.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestValidate_MissingAuthDateAfterValidSignature(t *testing.T) {
	values := launchValues(fixedNow)
	values.Del("auth_date")
	raw := Sign(values, mainToken)

	_, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestValidate_Expired(t *testing.T) {
	raw := Sign(launchValues(fixedNow.Add(-25*time.Hour)), mainToken)

	_, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	assert.ErrorIs(t, err, ErrExpired)

	// exactly at the boundary is still accepted
	raw = Sign(launchValues(fixedNow.Add(-24*time.Hour)), mainToken)
	_, err = Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	assert.NoError(t, err)
}

func TestValidate_ExpiredWithBadSignatureIsInvalidSignature(t *testing.T) {
	raw := Sign(launchValues(fixedNow.Add(-48*time.Hour)), "999:unknown")

	_, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate_BrokenIdentityStillSucceeds(t *testing.T) {
	values := launchValues(fixedNow)
	values.Set("user", "{not json")
	raw := Sign(values, mainToken)

	a, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	require.NoError(t, err)
	assert.False(t, a.HasIdentity())
	assert.Equal(t, "e-8f14e45f", a.StartParam)
}

func TestValidate_NoIdentity(t *testing.T) {
	values := launchValues(fixedNow)
	values.Del("user")
	raw := Sign(values, mainToken)

	a, err := Validate(raw, testCredentials(), DefaultMaxAge, fixedNow)
	require.NoError(t, err)
	assert.False(t, a.HasIdentity())
}

func TestDataCheckString(t *testing.T) {
	values := url.Values{
		"hash":      {"ignored"},
		"user":      {`{"id":1}`},
		"auth_date": {"1700000000"},
		"query_id":  {"q"},
	}
	assert.Equal(t, "auth_date=1700000000\nquery_id=q\nuser={\"id\":1}", DataCheckString(values))
}

// Reference vector computed with the host's published algorithm.
func TestSign_KnownVector(t *testing.T) {
	values := url.Values{"auth_date": {"1"}}
	signed, err := url.ParseQuery(Sign(values, "token"))
	require.NoError(t, err)

	expected := sign(DeriveSigningKey("token"), "auth_date=1")
	assert.Equal(t, expected, signed.Get("hash"))
	assert.Len(t, signed.Get("hash"), 64)
}

func TestValidator_UsesClockAndMaxAge(t *testing.T) {
	raw := Sign(launchValues(fixedNow.Add(-2*time.Hour)), mainToken)

	v := NewValidator(time.Hour, testCredentials(), WithClock(func() time.Time { return fixedNow }))
	_, err := v.Validate(raw)
	assert.ErrorIs(t, err, ErrExpired)

	v = NewValidator(0, testCredentials(), WithClock(func() time.Time { return fixedNow }))
	_, err = v.Validate(raw)
	assert.NoError(t, err)
}

func TestParseStartParam(t *testing.T) {
	p, ok := ParseStartParam("e-8f14e45f")
	require.True(t, ok)
	assert.Equal(t, StartParam{Kind: StartKindEvent, ID: "8f14e45f"}, p)

	p, ok = ParseStartParam("g-abc-def")
	require.True(t, ok)
	assert.Equal(t, "abc-def", p.ID)

	for _, raw := range []string{"", "e", "e-", "-1"} {
		_, ok := ParseStartParam(raw)
		assert.False(t, ok, raw)
	}
}
