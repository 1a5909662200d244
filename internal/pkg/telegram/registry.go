package telegram

import (
	"errors"

	"github.com/Gopher0727/Orbo/config"
)

var ErrUnknownBot = errors.New("telegram: unknown bot")

// Registry holds one client per configured bot in priority order. The first
// bot is the primary identity used by background jobs.
type Registry struct {
	clients []*Client
	byName  map[string]*Client
}

func NewRegistry(clients ...*Client) *Registry {
	r := &Registry{byName: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		r.clients = append(r.clients, c)
		r.byName[c.Name()] = c
	}
	return r
}

// NewRegistryFromConfig builds clients for every configured bot.
func NewRegistryFromConfig(cfg *config.TelegramConfig) *Registry {
	clients := make([]*Client, 0, len(cfg.Bots))
	for _, bot := range cfg.Bots {
		clients = append(clients, NewClient(bot.Name, bot.Token, cfg.RequestTimeout, WithBaseURL(orDefault(cfg.APIBaseURL))))
	}
	return NewRegistry(clients...)
}

// Get returns the client for a bot name.
func (r *Registry) Get(name string) (*Client, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, ErrUnknownBot
	}
	return c, nil
}

// Primary returns the highest-priority client, or nil for an empty registry.
func (r *Registry) Primary() *Client {
	if len(r.clients) == 0 {
		return nil
	}
	return r.clients[0]
}

// Clients returns the clients in priority order.
func (r *Registry) Clients() []*Client {
	return append([]*Client(nil), r.clients...)
}

// IsBot reports whether userID belongs to one of the registered bots.
func (r *Registry) IsBot(userID int64) bool {
	for _, c := range r.clients {
		if c.BotID() != 0 && c.BotID() == userID {
			return true
		}
	}
	return false
}

func orDefault(baseURL string) string {
	if baseURL == "" {
		return DefaultBaseURL
	}
	return baseURL
}
