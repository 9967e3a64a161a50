package webchat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type ResponseType string

const (
	ResponseTypeBot  ResponseType = "bot"
	ResponseTypeUser ResponseType = "user"
)

type UserResponseType string

const (
	UserResponseText   UserResponseType = "text"
	UserResponseChoice UserResponseType = "choice"
)

// Choice is an option offered by a bot message. Choices never change once received.
type Choice struct {
	ChoiceID   string `json:"choiceId"`
	ChoiceText string `json:"choiceText"`
}

// BotMessage is one message inside a bot reply. SelectedChoiceID is stamped
// after the fact when the user picks one of Choices.
type BotMessage struct {
	MessageID        string   `json:"messageId,omitempty"`
	Text             string   `json:"text"`
	Choices          []Choice `json:"choices"`
	SelectedChoiceID string   `json:"selectedChoiceId,omitempty"`
}

// BotResponsePayload is one bot reply. Metadata, Payload and Context are
// passed through untouched.
type BotResponsePayload struct {
	ConversationID string         `json:"conversationId,omitempty"`
	Messages       []BotMessage   `json:"messages"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Payload        string         `json:"payload,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// MetadataFlag reports whether metadata[key] is the boolean true.
func (p *BotResponsePayload) MetadataFlag(key string) bool {
	if p == nil {
		return false
	}
	v, _ := p.Metadata[key].(bool)
	return v
}

type UserResponsePayload struct {
	Type     UserResponseType `json:"type"`
	Text     string           `json:"text,omitempty"`
	ChoiceID string           `json:"choiceId,omitempty"`
}

// Response is one entry of the timeline. Exactly one of Bot or User is set,
// matching Type.
type Response struct {
	Type       ResponseType
	ReceivedAt time.Time
	Bot        *BotResponsePayload
	User       *UserResponsePayload
}

// State is the ordered timeline published to listeners.
type State []Response

type responseJSON struct {
	Type       ResponseType    `json:"type"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch r.Type {
	case ResponseTypeBot:
		payload, err = json.Marshal(r.Bot)
	case ResponseTypeUser:
		payload, err = json.Marshal(r.User)
	default:
		return nil, errors.Errorf("webchat: unknown response type %q", r.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(responseJSON{Type: r.Type, ReceivedAt: r.ReceivedAt, Payload: payload})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var raw responseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Response{Type: raw.Type, ReceivedAt: raw.ReceivedAt}
	switch raw.Type {
	case ResponseTypeBot:
		out.Bot = &BotResponsePayload{}
		if err := json.Unmarshal(raw.Payload, out.Bot); err != nil {
			return errors.Wrap(err, "webchat: decode bot payload")
		}
	case ResponseTypeUser:
		out.User = &UserResponsePayload{}
		if err := json.Unmarshal(raw.Payload, out.User); err != nil {
			return errors.Wrap(err, "webchat: decode user payload")
		}
	default:
		return errors.Errorf("webchat: unknown response type %q", raw.Type)
	}
	*r = out
	return nil
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for i, r := range s {
		out[i] = r.clone()
	}
	return out
}

func (r Response) clone() Response {
	out := Response{Type: r.Type, ReceivedAt: r.ReceivedAt}
	if r.User != nil {
		u := *r.User
		out.User = &u
	}
	if r.Bot != nil {
		out.Bot = r.Bot.clone()
	}
	return out
}

func (p *BotResponsePayload) clone() *BotResponsePayload {
	out := &BotResponsePayload{
		ConversationID: p.ConversationID,
		Payload:        p.Payload,
		Metadata:       cloneMap(p.Metadata),
		Context:        cloneMap(p.Context),
	}
	out.Messages = make([]BotMessage, len(p.Messages))
	for i, m := range p.Messages {
		m.Choices = append([]Choice{}, m.Choices...)
		out.Messages[i] = m
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// SlotValue fills one slot of a structured request.
type SlotValue struct {
	SlotID string `json:"slotId"`
	Value  any    `json:"value"`
}

// StructuredRequest carries exactly one of ChoiceID, IntentID or Slots.
type StructuredRequest struct {
	ChoiceID string      `json:"choiceId,omitempty"`
	IntentID string      `json:"intentId,omitempty"`
	Slots    []SlotValue `json:"slots,omitempty"`
}

type UnstructuredRequest struct {
	Text string `json:"text"`
}

type Request struct {
	Unstructured *UnstructuredRequest `json:"unstructured,omitempty"`
	Structured   *StructuredRequest   `json:"structured,omitempty"`
}
