package webchat

import "time"

// record is the internal conversation record. Transitions return a new value
// and never write through the previous one's slices.
type record struct {
	responses      State
	conversationID string
	userID         string
	contextSent    bool
}

func appendResponse(r record, resp Response) record {
	next := make(State, len(r.responses), len(r.responses)+1)
	copy(next, r.responses)
	r.responses = append(next, resp)
	return r
}

func appendBotPayload(r record, p BotResponsePayload, at time.Time) record {
	r = appendResponse(r, Response{Type: ResponseTypeBot, ReceivedAt: at, Bot: p.clone()})
	if p.ConversationID != "" {
		r.conversationID = p.ConversationID
	}
	return r
}

func appendUser(r record, p UserResponsePayload, at time.Time) record {
	return appendResponse(r, Response{Type: ResponseTypeUser, ReceivedAt: at, User: &p})
}

// selectChoice stamps choiceID on every bot message that offers it. Messages
// that do not offer it are left untouched.
func selectChoice(r record, choiceID string) record {
	next := make(State, len(r.responses))
	copy(next, r.responses)
	for i, resp := range next {
		if resp.Type != ResponseTypeBot || resp.Bot == nil || !offersChoice(resp.Bot, choiceID) {
			continue
		}
		bot := resp.Bot.clone()
		for j := range bot.Messages {
			if messageOffers(bot.Messages[j], choiceID) {
				bot.Messages[j].SelectedChoiceID = choiceID
			}
		}
		resp.Bot = bot
		next[i] = resp
	}
	r.responses = next
	return r
}

func offersChoice(p *BotResponsePayload, choiceID string) bool {
	for _, m := range p.Messages {
		if messageOffers(m, choiceID) {
			return true
		}
	}
	return false
}

func messageOffers(m BotMessage, choiceID string) bool {
	for _, c := range m.Choices {
		if c.ChoiceID == choiceID {
			return true
		}
	}
	return false
}
