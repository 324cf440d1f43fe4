package core

// ChatMessage is a message as exchanged with the chat frontend.
type ChatMessage struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role" validate:"required,oneof=user assistant tool system"`
	Content string `json:"content"`
	Date    string `json:"date,omitempty"`
}

// ChatPayload is the body of a conversation turn request.
type ChatPayload struct {
	Messages        []ChatMessage  `json:"messages" validate:"required,min=1,dive"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	HistoryMetadata map[string]any `json:"history_metadata,omitempty"`
}

func (p *ChatPayload) last() *ChatMessage {
	if len(p.Messages) == 0 {
		return nil
	}
	return &p.Messages[len(p.Messages)-1]
}
