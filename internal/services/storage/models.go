package storage

import "time"

// User is the persisted account record, keyed externally by the Telegram ID.
type User struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TelegramID   string `gorm:"type:varchar(50);uniqueIndex;not null"`
	Username     string `gorm:"type:varchar(100)"`
	FirstName    string `gorm:"type:varchar(100)"`
	LastName     string `gorm:"type:varchar(100)"`
	LanguageCode string `gorm:"type:varchar(10)"`
	APIKey       string `gorm:"type:varchar(255)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Settings      UserSettings   `gorm:"constraint:OnDelete:CASCADE"`
	Conversations []Conversation `gorm:"constraint:OnDelete:CASCADE"`
}

func (User) TableName() string { return "users" }

// UserSettings stores the model parameters as a JSON blob, one row per user.
type UserSettings struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    uint   `gorm:"uniqueIndex;not null"`
	AIParams  string `gorm:"column:ai_params;type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserSettings) TableName() string { return "user_settings" }

// Conversation groups an append-only sequence of messages owned by one user.
type Conversation struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	UserID    uint `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Messages []Message `gorm:"constraint:OnDelete:CASCADE"`
}

func (Conversation) TableName() string { return "conversations" }

// Message is one immutable turn within a conversation.
type Message struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"index;not null"`
	Role           string `gorm:"type:varchar(20);not null"`
	Content        string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (Message) TableName() string { return "messages" }

// Profile carries the platform-supplied user fields captured on first contact.
type Profile struct {
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}
