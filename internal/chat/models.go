package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a titled container for an ordered exchange of messages, owned by
// one user. Title starts as the sentinel and is replaced exactly once, after
// the first successful message exchange.
type Session struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	Title     string    `gorm:"type:varchar(64);not null" json:"title"`
	Owner     string    `gorm:"type:varchar(64);index;not null" json:"-"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message is one turn in a session, immutable once persisted. Timestamp is
// client-assigned; ordering within a session is always re-derived by sorting
// on it, never assumed from store return order.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"size:26;index;not null" json:"session_id"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	CreatedAt time.Time `json:"-"`
}

func (Message) TableName() string { return "chat_messages" }
