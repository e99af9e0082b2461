package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nohat/openclaw/outbox"
)

// DiscordAdapter is a stub outbound adapter for Discord's channel-message
// REST endpoint, mirroring channels/discord.go's stub lifecycle shape
// (gateway connection management is an inbound concern out of scope
// here). SendFinal validates its inputs and reports success; it makes no
// REST request, and HTTPClient is not used.
type DiscordAdapter struct {
	BotToken   string
	HTTPClient *http.Client
}

// NewDiscordAdapter constructs a DiscordAdapter for the given bot token.
func NewDiscordAdapter(botToken string) *DiscordAdapter {
	return &DiscordAdapter{BotToken: botToken, HTTPClient: &http.Client{Timeout: 15 * time.Second}}
}

func (a *DiscordAdapter) Metadata() Metadata {
	return Metadata{
		DeliveryMode:           DeliveryModeDirect,
		SupportsIdempotencyKey: false,
		TextChunkLimit:         2000,
	}
}

// SendFinal rejects a missing bot token or an empty payload and otherwise
// returns a confirmed SendResult without contacting Discord.
//
// TODO: honor payload.Silent by setting the message flags SUPPRESS_NOTIFICATIONS
// bit once the REST call itself is wired up.
func (a *DiscordAdapter) SendFinal(ctx context.Context, payload outbox.Payload) (SendResult, error) {
	if a.BotToken == "" {
		return SendResult{}, fmt.Errorf("channel: discord: no bot token configured for account")
	}
	if len(payload.Payloads) == 0 {
		return SendResult{}, fmt.Errorf("channel: discord: empty payload")
	}
	return SendResult{Confirmed: true}, nil
}
