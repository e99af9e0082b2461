// Package turn implements the message_turns journal: admission and
// deduplication of inbound messages, the turn state machine, resume
// queries for crash recovery, and context hydration.
//
// Grounded on veille/internal/store/source.go's CRUD + scheduling-query
// shape (InsertSource/GetSource/DueSources) and channels/admin.go's
// upsert-on-conflict convention, adapted to the turn lifecycle described
// below.
package turn

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ThreadID carries a thread identifier that providers represent as either
// a string or a number. It always stringifies numeric ids on decode.
type ThreadID string

// UnmarshalJSON accepts a JSON string or number and stores it as a string.
func (t *ThreadID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = ThreadID(s)
		return nil
	}
	// Numeric form: re-encode verbatim as a string.
	*t = ThreadID(strings.TrimSpace(string(data)))
	return nil
}

// MarshalJSON always emits a string, matching the "stringified if numeric"
// normalization rule.
func (t ThreadID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// CommandSource identifies how an inbound command was authorized.
type CommandSource string

const (
	// CommandSourceText is a plain-text command parsed from message body.
	CommandSourceText CommandSource = "text"
	// CommandSourceNative is a platform-native interaction (slash command,
	// button callback) whose reply token is a one-shot, expiring handle.
	CommandSourceNative CommandSource = "native"
)

// MsgContext is the canonical inbound message shape produced by boundary
// normalizers. All fields beyond identity are optional; zero
// values mean "not provided" rather than a meaningful empty string.
type MsgContext struct {
	Body            string `json:"body,omitempty"`
	BodyForAgent    string `json:"bodyForAgent,omitempty"`
	BodyForCommands string `json:"bodyForCommands,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	OriginatingChannel string `json:"originatingChannel,omitempty"`
	OriginatingTo      string `json:"originatingTo,omitempty"`

	SessionKey string `json:"sessionKey,omitempty"`
	AccountId  string `json:"accountId,omitempty"`

	MessageSid     string `json:"messageSid,omitempty"`
	MessageSidFull string `json:"messageSidFull,omitempty"`
	ReplyToId      string `json:"replyToId,omitempty"`

	ChatType string `json:"chatType,omitempty"`
	Provider string `json:"provider,omitempty"`
	Surface  string `json:"surface,omitempty"`

	SenderId       string `json:"senderId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`
	SenderE164     string `json:"senderE164,omitempty"`

	CommandAuthorized bool `json:"commandAuthorized,omitempty"`
	WasMentioned      bool `json:"wasMentioned,omitempty"`
	IsForum           bool `json:"isForum,omitempty"`

	CommandSource CommandSource `json:"commandSource,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	ThreadId ThreadID `json:"threadId,omitempty"`
}

// legacyAliases maps alternative key spellings — the PascalCase field
// names, plus channels.Message's own wire keys — to the lower-camelCase
// JSON key that MsgContext serializes under. HydratePayload applies these
// before unmarshaling into MsgContext so that producers using either
// spelling keep working without an adapter rewrite.
var legacyAliases = map[string]string{
	"Body":               "body",
	"BodyForAgent":       "bodyForAgent",
	"BodyForCommands":    "bodyForCommands",
	"From":               "from",
	"To":                 "to",
	"OriginatingChannel": "originatingChannel",
	"OriginatingTo":      "originatingTo",
	"SessionKey":         "sessionKey",
	"AccountId":          "accountId",
	"MessageSid":         "messageSid",
	"MessageSidFull":     "messageSidFull",
	"ReplyToId":          "replyToId",
	"ChatType":           "chatType",
	"Provider":           "provider",
	"Surface":            "surface",
	"SenderId":           "senderId",
	"SenderName":         "senderName",
	"SenderUsername":     "senderUsername",
	"SenderE164":         "senderE164",
	"CommandAuthorized":  "commandAuthorized",
	"WasMentioned":       "wasMentioned",
	"IsForum":            "isForum",
	"CommandSource":      "commandSource",
	"Timestamp":          "timestamp",
	"ThreadId":           "threadId",
	"ThreadID":           "threadId",
	// channels.Message-shaped wire payload, accepted as one more legacy
	// input alongside the lower-camelCase aliases above.
	"channel":   "originatingChannel",
	"platform":  "provider",
	"sender_id": "senderId",
	"text":      "body",
	"reply_to":  "replyToId",
}

// SerializePayload marshals ctx to the canonical JSON form stored in
// message_turns.payload.
func SerializePayload(ctx MsgContext) (string, error) {
	b, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HydratePayload parses a stored payload back into a MsgContext, tolerating
// both current and legacy key spellings. Returns false if the payload could not be
// reconstructed into a usable route (no channel, no resolvable "to").
func HydratePayload(raw string) (MsgContext, bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return MsgContext{}, false
	}

	normalized := make(map[string]json.RawMessage, len(generic))
	for k, v := range generic {
		canonicalKey := k
		if alias, ok := legacyAliases[k]; ok {
			canonicalKey = alias
		}
		// Canonical keys always win over a legacy alias already present.
		if _, already := normalized[canonicalKey]; already && canonicalKey != k {
			continue
		}
		normalized[canonicalKey] = v
	}

	remarshaled, err := json.Marshal(normalized)
	if err != nil {
		return MsgContext{}, false
	}

	var ctx MsgContext
	if err := json.Unmarshal(remarshaled, &ctx); err != nil {
		return MsgContext{}, false
	}

	channel, to := ResolveRoute(ctx)
	if channel == "" || to == "" {
		return MsgContext{}, false
	}
	return ctx, true
}

// ResolveRoute derives the {channel, to} reply destination from a
// MsgContext: the explicit
// originating channel/peer first, falling back to the generic from/to
// pair, then the session key as a last resort for "to".
func ResolveRoute(ctx MsgContext) (channel, to string) {
	channel = firstNonEmpty(ctx.OriginatingChannel, ctx.Provider, ctx.Surface)
	to = firstNonEmpty(ctx.OriginatingTo, ctx.To, ctx.From, ctx.SessionKey)
	return channel, to
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalizeProvider lowercases and trims a provider/channel string.
func normalizeProvider(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

const dedupeSeparator = "\x1f" // non-printable separator, unlikely to appear in any field

// DedupeKey computes the deterministic deduplication key for ctx:
//
//	concat(provider, accountId, sessionKey, peer, threadId, messageSid)
//
// using a non-printable separator. Returns ok=false (null key — "no
// dedupe possible") when either the provider or MessageSid is absent.
func DedupeKey(ctx MsgContext) (key string, ok bool) {
	provider := normalizeProvider(firstNonEmpty(ctx.OriginatingChannel, ctx.Provider, ctx.Surface))
	if provider == "" || ctx.MessageSid == "" {
		return "", false
	}

	_, peer := ResolveRoute(ctx)

	thread := string(ctx.ThreadId)
	if thread != "" {
		if n, err := strconv.ParseInt(thread, 10, 64); err == nil {
			thread = strconv.FormatInt(n, 10)
		}
	}

	parts := []string{provider, ctx.AccountId, ctx.SessionKey, peer, thread, ctx.MessageSid}
	return strings.Join(parts, dedupeSeparator), true
}
