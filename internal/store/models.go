package store

import "time"

// Document kinds stored side by side in one container.
const (
	KindConversation = "conversation"
	KindMessage      = "message"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// Conversation is a titled container of messages owned by one user.
// UpdatedAt tracks the CreatedAt of the newest appended message.
type Conversation struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Message struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Feedback       *string   `json:"feedback,omitempty"` // nil unless feedback collection is enabled
}

type SortOrder string

const (
	SortDesc SortOrder = "DESC"
	SortAsc  SortOrder = "ASC"
)

// ListOptions pages conversations by UpdatedAt. Limit <= 0 means no limit.
type ListOptions struct {
	Offset int
	Limit  int
	Sort   SortOrder
}

func (o ListOptions) normalized() ListOptions {
	if o.Sort != SortAsc {
		o.Sort = SortDesc
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// timeLayout is fixed-width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
