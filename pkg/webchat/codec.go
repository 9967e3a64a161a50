package webchat

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OutboundBody is the JSON body sent to the bot service on every dispatch.
type OutboundBody struct {
	UserID         string         `json:"userId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	LanguageCode   string         `json:"languageCode,omitempty"`
	ChannelType    string         `json:"channelType,omitempty"`
	Request        Request        `json:"request"`
}

type inboundMessage struct {
	MessageID string   `json:"messageId"`
	Text      string   `json:"text"`
	Choices   []Choice `json:"choices"`
}

type inboundPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []inboundMessage `json:"messages"`
	Metadata       json.RawMessage  `json:"metadata"`
	Payload        string           `json:"payload"`
	Context        json.RawMessage  `json:"context"`
}

// DecodeBotPayload parses an inbound JSON payload. Messages without choices
// get an empty, non-nil choice list.
func DecodeBotPayload(data []byte) (BotResponsePayload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return BotResponsePayload{}, errors.New("webchat: empty bot payload")
	}
	var in inboundPayload
	if err := json.Unmarshal(data, &in); err != nil {
		return BotResponsePayload{}, errors.Wrap(err, "webchat: decode bot payload")
	}
	out := BotResponsePayload{
		ConversationID: in.ConversationID,
		Metadata:       opaqueObject(in.Metadata),
		Payload:        in.Payload,
		Context:        opaqueObject(in.Context),
		Messages:       make([]BotMessage, 0, len(in.Messages)),
	}
	for _, m := range in.Messages {
		choices := m.Choices
		if choices == nil {
			choices = []Choice{}
		}
		out.Messages = append(out.Messages, BotMessage{
			MessageID: m.MessageID,
			Text:      m.Text,
			Choices:   choices,
		})
	}
	return out, nil
}

// opaqueObject keeps any JSON object as a generic map. Anything else (null,
// arrays, scalars) is dropped rather than failing the reply.
func opaqueObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("dropping non-object passthrough field")
		return nil
	}
	return out
}

func encodeBody(body OutboundBody) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "webchat: encode request body")
	}
	return b, nil
}
