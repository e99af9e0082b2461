package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nohat/openclaw/outbox"
)

// TelegramAdapter is a stub outbound adapter for the Telegram Bot API,
// mirroring channels/telegram.go's stub shape. SendFinal validates its
// inputs and reports success; it makes no Bot API request, and HTTPClient
// is not used. Polling/webhook receipt is an inbound concern out of this
// module's scope.
type TelegramAdapter struct {
	BotToken   string
	HTTPClient *http.Client
}

// NewTelegramAdapter constructs a TelegramAdapter for the given bot token.
func NewTelegramAdapter(botToken string) *TelegramAdapter {
	return &TelegramAdapter{BotToken: botToken, HTTPClient: &http.Client{Timeout: 15 * time.Second}}
}

func (a *TelegramAdapter) Metadata() Metadata {
	return Metadata{
		DeliveryMode:           DeliveryModeDirect,
		SupportsIdempotencyKey: false,
		TextChunkLimit:         4096,
		PollMaxOptions:         10,
	}
}

// SendFinal rejects a missing bot token or an empty payload and otherwise
// returns a confirmed SendResult without contacting the Bot API.
//
// TODO: chunk text bodies over TextChunkLimit via Metadata().Chunker
// before this lands in production traffic; single-message payloads only
// for now.
func (a *TelegramAdapter) SendFinal(ctx context.Context, payload outbox.Payload) (SendResult, error) {
	if a.BotToken == "" {
		return SendResult{}, fmt.Errorf("channel: telegram: no bot token configured for account")
	}
	if len(payload.Payloads) == 0 {
		return SendResult{}, fmt.Errorf("channel: telegram: empty payload")
	}
	// No Bot API call (api.telegram.org/bot<token>/sendMessage) is made
	// here; the payload is reported as sent.
	return SendResult{Confirmed: true}, nil
}
