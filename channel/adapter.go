// Package channel defines the outbound adapter contract that every
// chat-provider integration implements, plus the normalizer that
// synthesizes the always-v2 shape from legacy v1 primitives, and
// concrete adapters (webhook, telegram, discord).
//
// Grounded on channels.Channel's interface shape (channels/channel.go)
// and channels.ChannelFactory's registration convention, generalized from
// a fixed per-provider struct set into a v1/v2 adapter contract.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nohat/openclaw/outbox"
	"github.com/nohat/openclaw/turn"
)

// DeliveryMode distinguishes adapters that deliver straight to the
// provider API (direct) from ones that hand off to an intermediary
// gateway process (gateway).
type DeliveryMode string

const (
	DeliveryModeDirect  DeliveryMode = "direct"
	DeliveryModeGateway DeliveryMode = "gateway"
)

// SendResult is returned by a successful send.
type SendResult struct {
	ProviderMessageID string
	Confirmed         bool
}

// Metadata describes adapter capabilities and chunking behavior, shared
// by both v1 and v2 adapters.
type Metadata struct {
	DeliveryMode           DeliveryMode
	Chunker                func(text string, limit int) []string
	ChunkerMode            string
	TextChunkLimit         int
	PollMaxOptions         int
	ResolveTarget          func(ctx turn.MsgContext) string
	SupportsIdempotencyKey bool
}

// OutboundAdapter is the always-v2 contract the driver and outbox-worker
// invoke: a single sendFinal entry point returning a delivery result.
type OutboundAdapter interface {
	Metadata() Metadata
	SendFinal(ctx context.Context, payload outbox.Payload) (SendResult, error)
}

// V1Adapter is the legacy contract: either a combined sendPayload, or a
// pair of sendText/sendMedia. Implementations set whichever field(s)
// apply; Normalize chooses the media path when a media URL is present,
// else the text path.
type V1Adapter struct {
	Meta        Metadata
	SendPayload func(ctx context.Context, payload outbox.Payload) (SendResult, error)
	SendText    func(ctx context.Context, to, text string) (SendResult, error)
	SendMedia   func(ctx context.Context, to string, mediaURLs []string, caption string) (SendResult, error)
}

var (
	v1WarnOnce   sync.Map // channel name -> struct{}
	v1WarnLogger = slog.Default()
)

// Normalize wraps a legacy V1Adapter into an OutboundAdapter, synthesizing
// sendFinal from the v1 primitives. A one-time runtime warning is emitted
// on first use of each v1 channel name.
func Normalize(channelName string, v1 V1Adapter) OutboundAdapter {
	return &normalizedAdapter{name: channelName, v1: v1}
}

type normalizedAdapter struct {
	name string
	v1   V1Adapter
}

func (n *normalizedAdapter) Metadata() Metadata { return n.v1.Meta }

func (n *normalizedAdapter) SendFinal(ctx context.Context, payload outbox.Payload) (SendResult, error) {
	if _, loaded := v1WarnOnce.LoadOrStore(n.name, struct{}{}); !loaded {
		v1WarnLogger.Warn("channel: using legacy v1 adapter, normalized to sendFinal", "channel", n.name)
	}

	if n.v1.SendPayload != nil {
		return n.v1.SendPayload(ctx, payload)
	}

	hasMedia := false
	var texts []string
	var media []string
	for _, p := range payload.Payloads {
		if p.MediaURL != "" || len(p.MediaURLs) > 0 {
			hasMedia = true
			if p.MediaURL != "" {
				media = append(media, p.MediaURL)
			}
			media = append(media, p.MediaURLs...)
		}
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}

	if hasMedia && n.v1.SendMedia != nil {
		return n.v1.SendMedia(ctx, payload.To, media, strings.Join(texts, "\n"))
	}
	if n.v1.SendText != nil {
		return n.v1.SendText(ctx, payload.To, strings.Join(texts, "\n"))
	}
	return SendResult{}, fmt.Errorf("channel: %s: no v1 send primitive available for this payload", n.name)
}

// ErrChannelNotFound is returned by a Registry when no adapter is
// registered for a channel name.
type ErrChannelNotFound struct{ Channel string }

func (e *ErrChannelNotFound) Error() string {
	return fmt.Sprintf("channel: %q not found", e.Channel)
}

// ErrSendFailed wraps an adapter-level send failure with the channel name
// that produced it.
type ErrSendFailed struct {
	Channel string
	Err     error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channel: %s: send failed: %v", e.Channel, e.Err)
}
func (e *ErrSendFailed) Unwrap() error { return e.Err }

// Registry maps channel names to adapters, used by the dispatch driver's
// direct-send path and the outbox-worker's deliver closure.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]OutboundAdapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{adapters: make(map[string]OutboundAdapter)} }

// Register adds or replaces the adapter for name.
func (r *Registry) Register(name string, a OutboundAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Get looks up the adapter for name.
func (r *Registry) Get(name string) (OutboundAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, &ErrChannelNotFound{Channel: name}
	}
	return a, nil
}

// Send resolves the adapter for payload.Channel and invokes SendFinal,
// wrapping any adapter error as ErrSendFailed.
func (r *Registry) Send(ctx context.Context, payload outbox.Payload) (SendResult, error) {
	a, err := r.Get(payload.Channel)
	if err != nil {
		return SendResult{}, err
	}
	res, err := a.SendFinal(ctx, payload)
	if err != nil {
		return SendResult{}, &ErrSendFailed{Channel: payload.Channel, Err: err}
	}
	return res, nil
}
