package initdata

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/Gopher0727/Orbo/config"
)

// webAppKeySeed is the fixed HMAC key the mini-app host uses to derive a
// signing key from a bot token.
const webAppKeySeed = "WebAppData"

// Credential is one candidate secret a launch payload may be signed with.
// Implementations must be safe for concurrent use.
type Credential interface {
	// Name identifies the credential in successful assertions. It is never
	// reported for failed attempts.
	Name() string
	// SigningKey returns HMAC-SHA256(key="WebAppData", message=secret).
	SigningKey() []byte
}

// StaticCredential is a bot token known at startup.
type StaticCredential struct {
	name string
	key  []byte
}

// NewStaticCredential derives the signing key for a bot token once.
func NewStaticCredential(name, token string) *StaticCredential {
	return &StaticCredential{name: name, key: DeriveSigningKey(token)}
}

func (c *StaticCredential) Name() string { return c.name }

func (c *StaticCredential) SigningKey() []byte { return c.key }

// DeriveSigningKey computes HMAC-SHA256(key="WebAppData", message=secret).
func DeriveSigningKey(secret string) []byte {
	mac := hmac.New(sha256.New, []byte(webAppKeySeed))
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}

// CredentialsFromBots builds the candidate list in configured priority order.
func CredentialsFromBots(bots []config.BotConfig) []Credential {
	creds := make([]Credential, 0, len(bots))
	for _, bot := range bots {
		creds = append(creds, NewStaticCredential(bot.Name, bot.Token))
	}
	return creds
}
