package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/gpt-tgbot-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the configured language files.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultTag, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	for _, lang := range cfg.Languages {
		path := filepath.Join(cfg.Directory, lang+".json")
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", path, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns the localized message, falling back to the default language for
// unknown codes and to the message ID when the message itself is missing.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome           = "welcome"
	MsgAPIKeyRequest     = "api_request"
	MsgAPIKeySet         = "api_set_success"
	MsgAPIKeyInvalid     = "api_invalid"
	MsgChatStart         = "chat_start"
	MsgChatReset         = "chat_reset"
	MsgHelp              = "help"
	MsgParamsCurrent     = "params_current"
	MsgParamsUsage       = "params_usage"
	MsgParamValueRequest = "param_value_request"
	MsgParamSet          = "params_set_success"
	MsgParamsInvalid     = "params_invalid"
	MsgLanguagePrompt    = "language_prompt"
	MsgLanguageSet       = "language_set"
	MsgProcessing        = "processing"
	MsgError             = "error"
	MsgRateLimited       = "rate_limited"
)
