package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/gpt-tgbot-go/internal/config"
	"github.com/gpt-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrUserNotFound is returned for writes against an unknown user.
	ErrUserNotFound = errors.New("storage: user not found")
	// ErrConversationNotFound is returned for appends against an unknown conversation.
	ErrConversationNotFound = errors.New("storage: conversation not found")
	// ErrInvalidParam is returned for an unknown parameter name or a value that
	// cannot be coerced to the parameter's type.
	ErrInvalidParam = errors.New("storage: invalid parameter")
)

// Manager provides access to the persisted user, settings and conversation
// records. All operations are individually atomic; sqlite serializes writes.
type Manager struct {
	db              *gorm.DB
	defaultLanguage string
	logger          *logrus.Logger
}

// NewManager opens the sqlite database and migrates the schema.
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Storage.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return NewManagerWithDB(db, cfg.I18n.DefaultLanguage, logger)
}

// NewManagerWithDB wraps an already-open database. Used by tests.
func NewManagerWithDB(db *gorm.DB, defaultLanguage string, logger *logrus.Logger) (*Manager, error) {
	if err := db.AutoMigrate(&User{}, &UserSettings{}, &Conversation{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Manager{
		db:              db,
		defaultLanguage: defaultLanguage,
		logger:          logger,
	}, nil
}

// GetOrCreateUser upserts the user record keyed on the Telegram ID. Profile
// fields are refreshed when they changed; the language preference is seeded
// from the profile only at creation.
func (m *Manager) GetOrCreateUser(ctx context.Context, telegramID string, p Profile) (*User, error) {
	var user User
	err := m.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m.createUser(ctx, telegramID, p)
	}
	if err != nil {
		return nil, err
	}

	if user.Username != p.Username || user.FirstName != p.FirstName || user.LastName != p.LastName {
		user.Username = p.Username
		user.FirstName = p.FirstName
		user.LastName = p.LastName
		if err := m.db.WithContext(ctx).Save(&user).Error; err != nil {
			return nil, err
		}
	}

	return &user, nil
}

func (m *Manager) createUser(ctx context.Context, telegramID string, p Profile) (*User, error) {
	lang := p.LanguageCode
	if !m.supportedLanguage(lang) {
		lang = m.defaultLanguage
	}

	params, err := json.Marshal(models.DefaultParams())
	if err != nil {
		return nil, err
	}

	user := User{
		TelegramID:   telegramID,
		Username:     p.Username,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		LanguageCode: lang,
		Settings:     UserSettings{AIParams: string(params)},
	}

	if err := m.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}

	m.logger.WithField("user_id", telegramID).Info("User created")
	return &user, nil
}

// supportedLanguage only guards against garbage profile codes; the authoritative
// language list lives in the i18n config and is enforced by the engine.
func (m *Manager) supportedLanguage(code string) bool {
	return code != "" && len(code) <= 10
}

// SetAPIKey stores the completion API credential for the user.
func (m *Manager) SetAPIKey(ctx context.Context, telegramID, key string) error {
	return m.updateUserColumn(ctx, telegramID, "api_key", key)
}

// GetAPIKey returns the stored credential, or "" when absent.
func (m *Manager) GetAPIKey(ctx context.Context, telegramID string) (string, error) {
	var user User
	err := m.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return user.APIKey, nil
}

// SetLanguage stores the user's language preference.
func (m *Manager) SetLanguage(ctx context.Context, telegramID, code string) error {
	return m.updateUserColumn(ctx, telegramID, "language_code", code)
}

// GetLanguage returns the user's language preference, falling back to the
// configured default for unknown users. Lookup failures are logged, not
// surfaced: language resolution must never fail a user-facing flow.
func (m *Manager) GetLanguage(ctx context.Context, telegramID string) string {
	var user User
	err := m.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			m.logger.WithError(err).WithField("user_id", telegramID).Error("Failed to load language")
		}
		return m.defaultLanguage
	}
	if user.LanguageCode == "" {
		return m.defaultLanguage
	}
	return user.LanguageCode
}

func (m *Manager) updateUserColumn(ctx context.Context, telegramID, column string, value interface{}) error {
	res := m.db.WithContext(ctx).Model(&User{}).
		Where("telegram_id = ?", telegramID).
		Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetParam validates the parameter name against the fixed key set, coerces the
// raw value to the declared type and persists the updated blob. On failure
// nothing is mutated.
func (m *Manager) SetParam(ctx context.Context, telegramID, name, raw string) error {
	user, err := m.findUser(ctx, telegramID)
	if err != nil {
		return err
	}

	var settings UserSettings
	if err := m.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	params := models.DefaultParams()
	if settings.AIParams != "" {
		if err := json.Unmarshal([]byte(settings.AIParams), &params); err != nil {
			m.logger.WithError(err).WithField("user_id", telegramID).Warn("Corrupt parameter blob, resetting to defaults")
			params = models.DefaultParams()
		}
	}

	if err := params.Set(name, raw); err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidParam, name, raw)
	}

	blob, err := json.Marshal(params)
	if err != nil {
		return err
	}

	return m.db.WithContext(ctx).Model(&settings).Update("ai_params", string(blob)).Error
}

// GetParams returns the user's stored parameters merged over the defaults, or
// nil when the user is unknown.
func (m *Manager) GetParams(ctx context.Context, telegramID string) (*models.ModelParams, error) {
	user, err := m.findUser(ctx, telegramID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var settings UserSettings
	err = m.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	params := models.DefaultParams()
	if settings.AIParams != "" {
		if err := json.Unmarshal([]byte(settings.AIParams), &params); err != nil {
			m.logger.WithError(err).WithField("user_id", telegramID).Warn("Corrupt parameter blob, using defaults")
			params = models.DefaultParams()
		}
	}

	return &params, nil
}

// CreateConversation starts a new conversation owned by the user.
func (m *Manager) CreateConversation(ctx context.Context, telegramID string) (uint, error) {
	user, err := m.findUser(ctx, telegramID)
	if err != nil {
		return 0, err
	}

	conv := Conversation{UserID: user.ID}
	if err := m.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":         telegramID,
		"conversation_id": conv.ID,
	}).Debug("Conversation created")

	return conv.ID, nil
}

// AppendMessage appends one turn to a conversation. Messages are immutable and
// never reordered.
func (m *Manager) AppendMessage(ctx context.Context, conversationID uint, role, content string) error {
	var conv Conversation
	err := m.db.WithContext(ctx).First(&conv, conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}

	msg := Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if err := m.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return err
	}

	// Touch the conversation so updated_at reflects the last turn.
	return m.db.WithContext(ctx).Model(&conv).Update("updated_at", msg.CreatedAt).Error
}

// ConversationMessages returns all turns in insertion order, shaped for the
// completion gateway.
func (m *Manager) ConversationMessages(ctx context.Context, conversationID uint) ([]models.Message, error) {
	var records []Message
	err := m.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, models.Message{Role: r.Role, Content: r.Content})
	}
	return msgs, nil
}

func (m *Manager) findUser(ctx context.Context, telegramID string) (*User, error) {
	var user User
	err := m.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
