// Package delivery sends scheduled messages to their target chats. The
// Gateway interface is the boundary the schedulers call; TelegramGateway is
// the production adapter over the Telegram Bot API.
package delivery

import "context"

// Gateway delivers a message to a chat using the supplied credential.
// Implementations are stateless across calls and safe for concurrent use
// from any number of actors.
type Gateway interface {
	Deliver(ctx context.Context, chatID string, message string, credential string) error
}

// NopGateway discards every message. Used when delivery is disabled and in
// tests.
type NopGateway struct{}

// Deliver is a no-op.
func (NopGateway) Deliver(_ context.Context, _ string, _ string, _ string) error {
	return nil
}
